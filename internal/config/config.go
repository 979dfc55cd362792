package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"escalation/internal/domain"
	"escalation/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultAPIListen          = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultMaxBodyBytes       = 1 << 20
	defaultSweepIntervalSec   = 30
	defaultActionTimeoutSec   = 30
	defaultRetryCycleSec      = 30
	defaultQueueMaxRetries    = 3
	defaultQueueMaxPending    = 1024
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSSubject        = "fleet.alerts"
	defaultNATSStream         = "FLEET_ALERTS"
	defaultNATSConsumer       = "escalation-ingest"
	defaultNATSGroup          = "escalation-workers"
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 2048
	defaultNATSRecordBucket   = "escalations"
	defaultEventSubjectPrefix = "escalation.events"
	defaultQueueSubject       = "escalation.notify.retry"
	defaultQueueStream        = "ESCALATION_NOTIFY"
	defaultQueueConsumer      = "escalation-notify"
	defaultQueueGroup         = "escalation-notify-workers"
	defaultRedisAddr          = "127.0.0.1:6379"
	defaultRedisKeyPrefix     = "esc"
	defaultPushLatencyMS      = 50
	defaultWebhookTimeoutSec  = 10

	// ServiceModeSingle keeps in-memory state without external dependencies.
	ServiceModeSingle = "single"
	// ServiceModeNATS keeps JetStream-backed state, ingest, and queue settings.
	ServiceModeNATS = "nats"
	// ServiceModeRedis keeps redis-backed record state with in-process queue.
	ServiceModeRedis = "redis"

	// ChannelPush identifies the simulated mobile push transport.
	ChannelPush = "push"
	// ChannelTelegram identifies the Telegram transport.
	ChannelTelegram = "telegram"
	// ChannelWebhook identifies the generic HTTP webhook transport.
	ChannelWebhook = "webhook"

	// PriorityNormal is the default notification priority.
	PriorityNormal = "NORMAL"
	// PriorityHigh marks elevated notifications.
	PriorityHigh = "HIGH"
	// PriorityUrgent marks notifications that bypass quiet hours.
	PriorityUrgent = "URGENT"

	// ActionNotification dispatches a generic gateway notification.
	ActionNotification = "NOTIFICATION"
	// ActionEmail dispatches an email-channel send.
	ActionEmail = "EMAIL"
	// ActionSMS dispatches an SMS-channel send.
	ActionSMS = "SMS"
	// ActionCall dispatches a voice-call send.
	ActionCall = "CALL"
	// ActionSystem dispatches a named system action handler.
	ActionSystem = "SYSTEM_ACTION"
	// ActionLog writes a structured log line and always succeeds.
	ActionLog = "LOG"
)

var (
	serviceModes     = []string{ServiceModeSingle, ServiceModeNATS, ServiceModeRedis}
	notifyChannels   = []string{ChannelPush, ChannelTelegram, ChannelWebhook}
	notifyPriorities = []string{PriorityNormal, PriorityHigh, PriorityUrgent}
	actionTypes      = []string{ActionNotification, ActionEmail, ActionSMS, ActionCall, ActionSystem, ActionLog}
)

// Config holds service runtime settings, subscriptions, and escalation rules.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service      ServiceConfig        `toml:"service"`
	Log          LogConfig            `toml:"log"`
	API          APIConfig            `toml:"api"`
	Ingest       IngestConfig         `toml:"ingest"`
	Notify       NotifyConfig         `toml:"notify"`
	Subscription []SubscriptionConfig `toml:"subscription"`
	Rule         []RuleConfig         `toml:"rule"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule map keyed by rule id.
type rawConfig struct {
	Service      ServiceConfig            `toml:"service"`
	Log          LogConfig                `toml:"log"`
	API          APIConfig                `toml:"api"`
	Ingest       IngestConfig             `toml:"ingest"`
	Notify       NotifyConfig             `toml:"notify"`
	Subscription []SubscriptionConfig     `toml:"subscription"`
	Rule         map[string]rawRuleConfig `toml:"rule"`
}

// rawRuleConfig stores one rule body from `[rule.<id>]` table.
// Params: rule fields except the table-key-derived id.
// Returns: intermediate rule body used for normalization.
type rawRuleConfig struct {
	Name         string         `toml:"name"`
	Priority     int            `toml:"priority"`
	MaxLevel     int            `toml:"max_level"`
	AutoEscalate *bool          `toml:"auto_escalate"`
	IsActive     *bool          `toml:"is_active"`
	Conditions   RuleConditions `toml:"conditions"`
	Level        []LevelConfig  `toml:"level"`
}

// ServiceConfig contains process-level settings.
// Params: name, state mode, and escalation sweep/timeout controls.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name             string           `toml:"name"`
	Mode             string           `toml:"mode"`
	SweepIntervalSec int              `toml:"sweep_interval_sec"`
	ActionTimeoutSec int              `toml:"action_timeout_sec"`
	Redis            RedisStateConfig `toml:"redis"`
}

// RedisStateConfig configures the redis record backend.
// Params: connection address, credentials, database index, and key prefix.
// Returns: redis store options used in redis mode.
type RedisStateConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// APIConfig configures the HTTP command/query surface.
// Params: listen address, probe paths, and request body limit.
// Returns: HTTP server behavior.
type APIConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// IngestConfig defines inbound alert interfaces beyond the HTTP API.
// Params: embedded NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	NATS NATSIngestConfig `toml:"nats"`
}

// NATSIngestConfig configures JetStream queue-consumer alert intake.
// Params: connection + ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// NATSStateConfig contains fixed JetStream KV settings for the record backend.
// Params: URL, bucket name, and bucket creation toggle.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL                []string
	RecordBucket       string
	AllowCreateBuckets bool
}

// NATSEventsConfig contains fixed settings for the NATS domain-event publisher.
// Params: URL list and subject prefix.
// Returns: event publisher options.
type NATSEventsConfig struct {
	URL           []string
	SubjectPrefix string
}

// DeriveStateNATSConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS state settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	return NATSStateConfig{
		URL:                deriveNATSURLs(cfg),
		RecordBucket:       defaultNATSRecordBucket,
		AllowCreateBuckets: true,
	}
}

// NATSQueueConfig contains fixed JetStream settings for the notification
// retry queue backend.
// Params: URL list, stream/subject names, and consumer delivery policy.
// Returns: retry queue backend options.
type NATSQueueConfig struct {
	URL           []string
	Subject       string
	Stream        string
	ConsumerName  string
	DeliverGroup  string
	MaxDeliver    int
	AckWaitSec    int
	NackDelayMS   int
	MaxAckPending int
}

// DeriveQueueNATSConfig builds fixed retry-queue settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS queue settings.
func DeriveQueueNATSConfig(cfg Config) NATSQueueConfig {
	return NATSQueueConfig{
		URL:           deriveNATSURLs(cfg),
		Subject:       defaultQueueSubject,
		Stream:        defaultQueueStream,
		ConsumerName:  defaultQueueConsumer,
		DeliverGroup:  defaultQueueGroup,
		MaxDeliver:    cfg.Notify.Queue.MaxRetries,
		AckWaitSec:    cfg.Notify.Queue.AckWaitSec,
		NackDelayMS:   cfg.Notify.Queue.NackDelayMS,
		MaxAckPending: cfg.Notify.Queue.MaxAckPending,
	}
}

// DeriveEventsNATSConfig builds fixed event-publisher settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS event settings.
func DeriveEventsNATSConfig(cfg Config) NATSEventsConfig {
	return NATSEventsConfig{
		URL:           deriveNATSURLs(cfg),
		SubjectPrefix: defaultEventSubjectPrefix,
	}
}

// deriveNATSURLs resolves the shared NATS URL list with default fallback.
// Params: runtime configuration snapshot.
// Returns: non-empty URL list.
func deriveNATSURLs(cfg Config) []string {
	urls := make([]string, 0, len(cfg.Ingest.NATS.URL))
	for _, url := range cfg.Ingest.NATS.URL {
		trimmed := strings.TrimSpace(url)
		if trimmed == "" {
			continue
		}
		urls = append(urls, trimmed)
	}
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return urls
}

// NotifyConfig defines outbound notification gateway behavior.
// Params: retry queue, delivery simulation, and per-channel transports.
// Returns: notification gateway controls.
type NotifyConfig struct {
	Queue    QueueConfig      `toml:"queue"`
	Push     PushNotifier     `toml:"push"`
	Telegram TelegramNotifier `toml:"telegram"`
	Webhook  WebhookNotifier  `toml:"webhook"`
}

// QueueConfig defines the bounded delivery retry queue.
// Params: attempt cap, retry cycle cadence, pending bound, and NATS worker policy.
// Returns: retry queue controls shared by memory and JetStream backends.
type QueueConfig struct {
	MaxRetries    int `toml:"max_retries"`
	RetryCycleSec int `toml:"retry_cycle_sec"`
	MaxPending    int `toml:"max_pending"`
	AckWaitSec    int `toml:"ack_wait_sec"`
	NackDelayMS   int `toml:"nack_delay_ms"`
	MaxAckPending int `toml:"max_ack_pending"`
}

// PushNotifier defines the simulated mobile push transport.
// Params: enable flag and latency/failure simulation knobs.
// Returns: push sender configuration.
type PushNotifier struct {
	Enabled     bool    `toml:"enabled"`
	LatencyMS   int     `toml:"latency_ms"`
	FailureRate float64 `toml:"failure_rate"`
	Seed        int64   `toml:"seed"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, chat ID, and API base URL.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	APIBase  string `toml:"api_base"`
}

// WebhookNotifier defines generic outbound HTTP webhook settings.
// Params: URL, optional auth header, and request timeout.
// Returns: webhook sender configuration.
type WebhookNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Headers    map[string]string `toml:"headers"`
	TimeoutSec int               `toml:"timeout_sec"`
}

// SubscriptionConfig describes one user+device notification subscription.
// Params: identity, routing channel, preference filters, and quiet hours.
// Returns: static subscription entry resolved by the gateway.
type SubscriptionConfig struct {
	UserID     string           `toml:"user_id"`
	DeviceID   string           `toml:"device_id"`
	Role       string           `toml:"role"`
	Channel    string           `toml:"channel"`
	Active     *bool            `toml:"active"`
	AlertTypes []string         `toml:"alert_types"`
	Categories []string         `toml:"categories"`
	QuietHours QuietHoursConfig `toml:"quiet_hours"`
}

// QuietHoursConfig defines one local-time suppression window.
// Params: enable flag, HH:MM boundaries, and IANA timezone.
// Returns: quiet-hours filter settings.
type QuietHoursConfig struct {
	Enabled  bool   `toml:"enabled"`
	Start    string `toml:"start"`
	End      string `toml:"end"`
	Timezone string `toml:"timezone"`
}

// RuleConfig describes one escalation rule.
// Params: priority, condition filters, and the ordered level ladder.
// Returns: immutable catalog entry definition.
type RuleConfig struct {
	ID           string         `toml:"-"`
	Name         string         `toml:"name"`
	Priority     int            `toml:"priority"`
	MaxLevel     int            `toml:"max_level"`
	AutoEscalate bool           `toml:"auto_escalate"`
	IsActive     bool           `toml:"is_active"`
	Conditions   RuleConditions `toml:"conditions"`
	Level        []LevelConfig  `toml:"level"`
}

// RuleConditions are AND-ed inclusion filters for rule applicability.
// Params: type/severity sets, optional zone/vehicle sets, and informational thresholds.
// Returns: matching predicate inputs; empty zone/vehicle sets mean no restriction.
type RuleConditions struct {
	AlertTypes     []string       `toml:"alert_types"`
	Severities     []string       `toml:"severities"`
	Zones          []string       `toml:"zones"`
	Vehicles       []string       `toml:"vehicles"`
	TimeThresholds map[string]int `toml:"time_thresholds"`
}

// LevelConfig is one rung of the escalation ladder.
// Params: number, label, due threshold, actions, notifications, and recipients.
// Returns: level definition executed by the engine.
type LevelConfig struct {
	Number           int                  `toml:"number"`
	Name             string               `toml:"name"`
	TimeThresholdMin int                  `toml:"time_threshold_min"`
	Action           []ActionConfig       `toml:"action"`
	Notification     []NotificationConfig `toml:"notification"`
	Recipients       RecipientFilter      `toml:"recipients"`
}

// ActionConfig is one executable step within a level.
// Params: dispatch type, channel payload fields, delay, and retry policy.
// Returns: action definition; retry policy is honored by the executor.
type ActionConfig struct {
	Type         string      `toml:"type"`
	Message      string      `toml:"message"`
	Recipients   []string    `toml:"recipients"`
	SystemAction string      `toml:"system_action"`
	DelaySec     int         `toml:"delay_sec"`
	Retry        RetryPolicy `toml:"retry"`
}

// RetryPolicy bounds repeated execution of one failed action.
// Params: toggle, attempt cap, and inter-attempt interval.
// Returns: per-action retry behavior.
type RetryPolicy struct {
	Enabled     bool `toml:"enabled"`
	MaxAttempts int  `toml:"max_attempts"`
	IntervalSec int  `toml:"interval_sec"`
}

// NotificationConfig is one outbound notification bound to a level.
// Params: rendered title/message templates, priority, category, and recipients.
// Returns: notification definition dispatched through the gateway.
type NotificationConfig struct {
	Title      string          `toml:"title"`
	Message    string          `toml:"message"`
	Priority   string          `toml:"priority"`
	Category   string          `toml:"category"`
	Recipients RecipientFilter `toml:"recipients"`
}

// RecipientFilter narrows the subscription set for one send.
// Params: user id, role, and device id allow-lists.
// Returns: intersection filter; all-empty means every active subscription.
type RecipientFilter struct {
	UserIDs   []string `toml:"user_ids"`
	Roles     []string `toml:"roles"`
	DeviceIDs []string `toml:"device_ids"`
}

// Empty reports whether filter places no restriction on recipients.
// Params: none.
// Returns: true when all allow-lists are empty.
func (f RecipientFilter) Empty() bool {
	return len(f.UserIDs) == 0 && len(f.Roles) == 0 && len(f.DeviceIDs) == 0
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var raw rawConfig
	var err error
	if src.File != "" {
		err = decodeInto(&raw, src.File)
	} else {
		err = decodeDir(&raw, src.Dir)
	}
	if err != nil {
		return Config{}, err
	}

	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeDir merges sorted *.toml fragments from one directory.
// Params: destination raw config and directory path.
// Returns: read/decode error for the first failing fragment.
func decodeDir(raw *rawConfig, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}
	fragments := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		fragments = append(fragments, filepath.Join(dir, entry.Name()))
	}
	if len(fragments) == 0 {
		return fmt.Errorf("config dir %q contains no *.toml fragments", dir)
	}
	sort.Strings(fragments)
	for _, path := range fragments {
		if err := decodeInto(raw, path); err != nil {
			return err
		}
	}
	return nil
}

// decodeInto decodes one TOML file over the accumulated raw config.
// Params: destination raw config and file path.
// Returns: read/decode error.
func decodeInto(raw *rawConfig, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, raw); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from merged fragments.
// Returns: normalized config snapshot with rules sorted by table key.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:      raw.Service,
		Log:          raw.Log,
		API:          raw.API,
		Ingest:       raw.Ingest,
		Notify:       raw.Notify,
		Subscription: raw.Subscription,
	}
	if len(raw.Rule) == 0 {
		return cfg, nil
	}

	ids := make([]string, 0, len(raw.Rule))
	for id := range raw.Rule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cfg.Rule = make([]RuleConfig, 0, len(ids))
	for _, id := range ids {
		body := raw.Rule[id]
		rule := RuleConfig{
			ID:           id,
			Name:         body.Name,
			Priority:     body.Priority,
			MaxLevel:     body.MaxLevel,
			AutoEscalate: boolOrDefault(body.AutoEscalate, true),
			IsActive:     boolOrDefault(body.IsActive, true),
			Conditions:   body.Conditions,
			Level:        body.Level,
		}
		if strings.TrimSpace(rule.Name) == "" {
			rule.Name = id
		}
		cfg.Rule = append(cfg.Rule, rule)
	}

	return cfg, nil
}

// boolOrDefault resolves optional TOML bool with fallback.
// Params: decoded pointer and default value.
// Returns: explicit value or fallback.
func boolOrDefault(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

// applyDefaults fills zero-value settings with runtime defaults.
// Params: mutable config snapshot.
// Returns: config mutated in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "escalation"
	}
	if strings.TrimSpace(cfg.Service.Mode) == "" {
		cfg.Service.Mode = ServiceModeSingle
	}
	cfg.Service.Mode = strings.ToLower(strings.TrimSpace(cfg.Service.Mode))
	if cfg.Service.SweepIntervalSec <= 0 {
		cfg.Service.SweepIntervalSec = defaultSweepIntervalSec
	}
	if cfg.Service.ActionTimeoutSec <= 0 {
		cfg.Service.ActionTimeoutSec = defaultActionTimeoutSec
	}
	if strings.TrimSpace(cfg.Service.Redis.Addr) == "" {
		cfg.Service.Redis.Addr = defaultRedisAddr
	}
	if strings.TrimSpace(cfg.Service.Redis.KeyPrefix) == "" {
		cfg.Service.Redis.KeyPrefix = defaultRedisKeyPrefix
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	applySinkDefaults(&cfg.Log.Console, "line")
	applySinkDefaults(&cfg.Log.File, "json")

	if strings.TrimSpace(cfg.API.Listen) == "" {
		cfg.API.Listen = defaultAPIListen
	}
	if strings.TrimSpace(cfg.API.HealthPath) == "" {
		cfg.API.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.API.ReadyPath) == "" {
		cfg.API.ReadyPath = defaultReadyPath
	}
	if cfg.API.MaxBodyBytes <= 0 {
		cfg.API.MaxBodyBytes = defaultMaxBodyBytes
	}

	nats := &cfg.Ingest.NATS
	nats.Subject = defaultNATSSubject
	nats.Stream = defaultNATSStream
	nats.ConsumerName = defaultNATSConsumer
	nats.DeliverGroup = defaultNATSGroup
	if nats.AckWaitSec <= 0 {
		nats.AckWaitSec = defaultNATSAckWaitSec
	}
	if nats.NackDelayMS <= 0 {
		nats.NackDelayMS = defaultNATSNackDelayMS
	}
	if nats.MaxDeliver == 0 {
		nats.MaxDeliver = defaultNATSMaxDeliver
	}
	if nats.MaxAckPending <= 0 {
		nats.MaxAckPending = defaultNATSMaxAckPending
	}

	queue := &cfg.Notify.Queue
	if queue.MaxRetries <= 0 {
		queue.MaxRetries = defaultQueueMaxRetries
	}
	if queue.RetryCycleSec <= 0 {
		queue.RetryCycleSec = defaultRetryCycleSec
	}
	if queue.MaxPending <= 0 {
		queue.MaxPending = defaultQueueMaxPending
	}
	if queue.AckWaitSec <= 0 {
		queue.AckWaitSec = defaultNATSAckWaitSec
	}
	if queue.NackDelayMS <= 0 {
		queue.NackDelayMS = defaultNATSNackDelayMS
	}
	if queue.MaxAckPending <= 0 {
		queue.MaxAckPending = defaultNATSMaxAckPending
	}

	if cfg.Notify.Push.LatencyMS <= 0 {
		cfg.Notify.Push.LatencyMS = defaultPushLatencyMS
	}
	if cfg.Notify.Webhook.TimeoutSec <= 0 {
		cfg.Notify.Webhook.TimeoutSec = defaultWebhookTimeoutSec
	}

	for i := range cfg.Subscription {
		sub := &cfg.Subscription[i]
		if strings.TrimSpace(sub.Channel) == "" {
			sub.Channel = ChannelPush
		}
		sub.Channel = strings.ToLower(strings.TrimSpace(sub.Channel))
	}

	for i := range cfg.Rule {
		rule := &cfg.Rule[i]
		if rule.MaxLevel <= 0 {
			rule.MaxLevel = highestLevelNumber(rule.Level)
		}
		for j := range rule.Level {
			level := &rule.Level[j]
			for k := range level.Action {
				action := &level.Action[k]
				action.Type = strings.ToUpper(strings.TrimSpace(action.Type))
				if action.Retry.Enabled && action.Retry.MaxAttempts <= 0 {
					action.Retry.MaxAttempts = 1
				}
			}
			for k := range level.Notification {
				notification := &level.Notification[k]
				if strings.TrimSpace(notification.Priority) == "" {
					notification.Priority = PriorityNormal
				}
				notification.Priority = strings.ToUpper(strings.TrimSpace(notification.Priority))
			}
		}
	}
}

// applySinkDefaults fills one log sink with defaults.
// Params: mutable sink and default format.
// Returns: sink mutated in place.
func applySinkDefaults(sink *LogSinkConfig, format string) {
	if strings.TrimSpace(sink.Level) == "" {
		sink.Level = "info"
	}
	if strings.TrimSpace(sink.Format) == "" {
		sink.Format = format
	}
}

// highestLevelNumber returns the largest declared level number.
// Params: level list.
// Returns: max level number or 0 for empty list.
func highestLevelNumber(levels []LevelConfig) int {
	highest := 0
	for _, level := range levels {
		if level.Number > highest {
			highest = level.Number
		}
	}
	return highest
}

// validateConfig checks the whole snapshot against the runtime contract.
// Params: normalized config with defaults applied.
// Returns: first validation error with enumerated valid values.
func validateConfig(cfg Config) error {
	if !containsString(serviceModes, cfg.Service.Mode) {
		return fmt.Errorf("service.mode %q is unsupported, valid values: %s", cfg.Service.Mode, strings.Join(serviceModes, ", "))
	}
	if cfg.Log.File.Enabled && strings.TrimSpace(cfg.Log.File.Path) == "" {
		return errors.New("log.file.path is required when file sink is enabled")
	}
	for i, sub := range cfg.Subscription {
		if err := validateSubscription(sub); err != nil {
			return fmt.Errorf("subscription[%d]: %w", i, err)
		}
	}
	if len(cfg.Rule) == 0 {
		return errors.New("at least one [rule.<id>] is required")
	}
	for _, rule := range cfg.Rule {
		if err := validateRule(rule); err != nil {
			return fmt.Errorf("rule.%s: %w", rule.ID, err)
		}
	}
	return nil
}

// validateSubscription checks one subscription entry.
// Params: subscription config with defaults applied.
// Returns: validation error.
func validateSubscription(sub SubscriptionConfig) error {
	if strings.TrimSpace(sub.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(sub.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if !containsString(notifyChannels, sub.Channel) {
		return fmt.Errorf("channel %q is unsupported, valid values: %s", sub.Channel, strings.Join(notifyChannels, ", "))
	}
	for _, alertType := range sub.AlertTypes {
		if !domain.IsSupportedAlertType(domain.AlertType(alertType)) {
			return fmt.Errorf("alert_types entry %q is unsupported, valid values: %s", alertType, strings.Join(domain.AlertTypeNames(), ", "))
		}
	}
	if sub.QuietHours.Enabled {
		if _, err := time.Parse("15:04", sub.QuietHours.Start); err != nil {
			return fmt.Errorf("quiet_hours.start %q must be HH:MM", sub.QuietHours.Start)
		}
		if _, err := time.Parse("15:04", sub.QuietHours.End); err != nil {
			return fmt.Errorf("quiet_hours.end %q must be HH:MM", sub.QuietHours.End)
		}
	}
	return nil
}

// validateRule checks one rule and its level ladder.
// Params: normalized rule config.
// Returns: validation error.
func validateRule(rule RuleConfig) error {
	if rule.Priority < 0 {
		return errors.New("priority must be >=0")
	}
	if len(rule.Conditions.AlertTypes) == 0 {
		return errors.New("conditions.alert_types must not be empty")
	}
	for _, alertType := range rule.Conditions.AlertTypes {
		if !domain.IsSupportedAlertType(domain.AlertType(alertType)) {
			return fmt.Errorf("conditions.alert_types entry %q is unsupported, valid values: %s", alertType, strings.Join(domain.AlertTypeNames(), ", "))
		}
	}
	if len(rule.Conditions.Severities) == 0 {
		return errors.New("conditions.severities must not be empty")
	}
	for _, severity := range rule.Conditions.Severities {
		if !domain.IsSupportedSeverity(domain.Severity(severity)) {
			return fmt.Errorf("conditions.severities entry %q is unsupported, valid values: %s", severity, strings.Join(domain.SeverityNames(), ", "))
		}
	}
	if len(rule.Level) == 0 {
		return errors.New("at least one [[rule.<id>.level]] is required")
	}

	previous := 0
	for _, level := range rule.Level {
		if level.Number <= previous {
			return fmt.Errorf("level numbers must be strictly increasing, got %d after %d", level.Number, previous)
		}
		previous = level.Number
		if level.TimeThresholdMin < 0 {
			return fmt.Errorf("level %d: time_threshold_min must be >=0", level.Number)
		}
		for i, action := range level.Action {
			if err := validateAction(action); err != nil {
				return fmt.Errorf("level %d action[%d]: %w", level.Number, i, err)
			}
		}
		for i, notification := range level.Notification {
			if err := validateNotification(notification); err != nil {
				return fmt.Errorf("level %d notification[%d]: %w", level.Number, i, err)
			}
		}
	}
	if rule.MaxLevel > previous {
		return fmt.Errorf("max_level %d exceeds highest declared level %d", rule.MaxLevel, previous)
	}
	return nil
}

// validateAction checks one action definition.
// Params: normalized action config.
// Returns: validation error.
func validateAction(action ActionConfig) error {
	if !containsString(actionTypes, action.Type) {
		return fmt.Errorf("type %q is unsupported, valid values: %s", action.Type, strings.Join(actionTypes, ", "))
	}
	if action.Type == ActionSystem && strings.TrimSpace(action.SystemAction) == "" {
		return errors.New("system_action is required for SYSTEM_ACTION type")
	}
	if action.DelaySec < 0 {
		return errors.New("delay_sec must be >=0")
	}
	if action.Retry.Enabled && action.Retry.IntervalSec < 0 {
		return errors.New("retry.interval_sec must be >=0")
	}
	return nil
}

// validateNotification checks one level notification definition.
// Params: normalized notification config.
// Returns: validation error.
func validateNotification(notification NotificationConfig) error {
	if strings.TrimSpace(notification.Title) == "" {
		return errors.New("title is required")
	}
	if !containsString(notifyPriorities, notification.Priority) {
		return fmt.Errorf("priority %q is unsupported, valid values: %s", notification.Priority, strings.Join(notifyPriorities, ", "))
	}
	if strings.TrimSpace(notification.Message) != "" {
		if _, err := templatefmt.ParseNotificationTemplate("notification.message", notification.Message); err != nil {
			return fmt.Errorf("message template: %w", err)
		}
	}
	return nil
}

// containsString checks case-sensitive membership.
// Params: haystack string list and expected value.
// Returns: true when value exists in list.
func containsString(values []string, expected string) bool {
	for _, v := range values {
		if v == expected {
			return true
		}
	}
	return false
}
