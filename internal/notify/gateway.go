package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"escalation/internal/clock"
	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/templatefmt"
)

// Notification is one gateway delivery request before recipient fan-out.
// Params: rendered-or-template message fields plus routing metadata.
// Returns: gateway input payload.
type Notification struct {
	Title      string
	Message    string
	Type       domain.AlertType
	Priority   string
	Category   string
	RecordID   string
	Data       map[string]string
	Recipients config.RecipientFilter
}

// Delivery aggregates the outcome of one notification fan-out.
// Params: per-recipient outcome counters.
// Returns: gateway send summary.
type Delivery struct {
	Requested  int
	Suppressed int
	Delivered  int
	Failed     int
}

// RetryEnqueuer accepts failed deliveries for later redelivery.
// Params: context, outbound payload, and failing channel key.
// Returns: enqueue error when the retry backlog rejects the job.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, outbound Outbound, channel string) error
}

// Subscription is one resolved recipient registration.
// Params: identity, channel, preferences, and quiet hours.
// Returns: runtime subscription entry.
type Subscription struct {
	UserID     string
	DeviceID   string
	Role       string
	Channel    string
	Active     bool
	AlertTypes []domain.AlertType
	Categories []string
	Quiet      quietWindow
}

// quietWindow is one compiled quiet-hours interval.
// Params: minute-of-day bounds in the subscriber timezone.
// Returns: suppression window descriptor.
type quietWindow struct {
	enabled     bool
	startMinute int
	endMinute   int
	location    *time.Location
}

// Gateway fans one notification out to matching subscriptions over
// their configured channels.
// Params: subscriptions, channel senders, retry backlog, logger, clock.
// Returns: notification delivery front door for the engine.
type Gateway struct {
	subscriptions []Subscription
	senders       map[string]ChannelSender
	retry         RetryEnqueuer
	logger        *slog.Logger
	clk           clock.Clock
}

// NewGateway builds the gateway from config subscriptions and enabled channels.
// Params: notify config, subscription list, retry backlog, logger, and clock.
// Returns: configured gateway.
func NewGateway(
	cfg config.NotifyConfig,
	subscriptionCfgs []config.SubscriptionConfig,
	retry RetryEnqueuer,
	logger *slog.Logger,
	clk clock.Clock,
) (*Gateway, error) {
	senders := make(map[string]ChannelSender)
	if cfg.Push.Enabled {
		senders[config.ChannelPush] = NewPushSender(cfg.Push)
	}
	if cfg.Telegram.Enabled {
		senders[config.ChannelTelegram] = NewTelegramSender(cfg.Telegram)
	}
	if cfg.Webhook.Enabled {
		senders[config.ChannelWebhook] = NewWebhookSender(cfg.Webhook)
	}

	subscriptions := make([]Subscription, 0, len(subscriptionCfgs))
	for _, subscriptionCfg := range subscriptionCfgs {
		subscription, err := compileSubscription(subscriptionCfg)
		if err != nil {
			return nil, fmt.Errorf("subscription %q: %w", subscriptionCfg.UserID, err)
		}
		subscriptions = append(subscriptions, subscription)
	}

	return &Gateway{
		subscriptions: subscriptions,
		senders:       senders,
		retry:         retry,
		logger:        logger,
		clk:           clk,
	}, nil
}

// compileSubscription converts one config subscription into runtime form.
// Params: subscription config entry.
// Returns: compiled subscription or quiet-hours parse error.
func compileSubscription(cfg config.SubscriptionConfig) (Subscription, error) {
	active := true
	if cfg.Active != nil {
		active = *cfg.Active
	}

	alertTypes := make([]domain.AlertType, 0, len(cfg.AlertTypes))
	for _, raw := range cfg.AlertTypes {
		alertTypes = append(alertTypes, domain.AlertType(strings.ToUpper(strings.TrimSpace(raw))))
	}

	quiet, err := compileQuietWindow(cfg.QuietHours)
	if err != nil {
		return Subscription{}, err
	}

	return Subscription{
		UserID:     cfg.UserID,
		DeviceID:   cfg.DeviceID,
		Role:       cfg.Role,
		Channel:    cfg.Channel,
		Active:     active,
		AlertTypes: alertTypes,
		Categories: cfg.Categories,
		Quiet:      quiet,
	}, nil
}

// compileQuietWindow parses HH:MM quiet hours into minute-of-day bounds.
// Params: quiet hours config.
// Returns: compiled window or parse error.
func compileQuietWindow(cfg config.QuietHoursConfig) (quietWindow, error) {
	if !cfg.Enabled {
		return quietWindow{}, nil
	}
	start, err := parseMinuteOfDay(cfg.Start)
	if err != nil {
		return quietWindow{}, fmt.Errorf("quiet_hours start %q: %w", cfg.Start, err)
	}
	end, err := parseMinuteOfDay(cfg.End)
	if err != nil {
		return quietWindow{}, fmt.Errorf("quiet_hours end %q: %w", cfg.End, err)
	}
	location := time.UTC
	if strings.TrimSpace(cfg.Timezone) != "" {
		location, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return quietWindow{}, fmt.Errorf("quiet_hours timezone %q: %w", cfg.Timezone, err)
		}
	}
	return quietWindow{
		enabled:     true,
		startMinute: start,
		endMinute:   end,
		location:    location,
	}, nil
}

// parseMinuteOfDay parses one "HH:MM" clock value.
// Params: raw clock string.
// Returns: minute of day in [0,1440).
func parseMinuteOfDay(raw string) (int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// contains checks overnight-aware window membership for one instant.
// Params: evaluation instant.
// Returns: true when the instant falls inside the quiet window.
func (w quietWindow) contains(now time.Time) bool {
	if !w.enabled {
		return false
	}
	local := now.In(w.location)
	minute := local.Hour()*60 + local.Minute()
	if w.startMinute <= w.endMinute {
		return minute >= w.startMinute && minute < w.endMinute
	}
	// Overnight window, e.g. 22:00-07:00.
	return minute >= w.startMinute || minute < w.endMinute
}

// Send fans one notification out to every matching subscription.
// Gateway failures never propagate as errors; they are counted and
// handed to the retry backlog.
// Params: context and notification payload.
// Returns: delivery summary.
func (g *Gateway) Send(ctx context.Context, notification Notification) Delivery {
	now := g.clk.Now()
	message := g.renderMessage(notification)
	bypass := bypassQuietHours(notification)

	var delivery Delivery
	for _, subscription := range g.subscriptions {
		if !subscription.Active {
			continue
		}
		if !matchesFilter(subscription, notification.Recipients) {
			continue
		}
		if !acceptsAlertType(subscription, notification.Type) {
			continue
		}
		if !acceptsCategory(subscription, notification.Category) {
			continue
		}
		delivery.Requested++

		if !bypass && subscription.Quiet.contains(now) {
			delivery.Suppressed++
			g.logger.Debug("notification suppressed by quiet hours",
				"user_id", subscription.UserID,
				"record_id", notification.RecordID,
			)
			continue
		}

		outbound := Outbound{
			Title:     notification.Title,
			Message:   message,
			AlertType: string(notification.Type),
			Priority:  notification.Priority,
			Category:  notification.Category,
			UserID:    subscription.UserID,
			DeviceID:  subscription.DeviceID,
			RecordID:  notification.RecordID,
			Data:      notification.Data,
		}
		if err := g.deliver(ctx, subscription.Channel, outbound); err != nil {
			delivery.Failed++
			g.logger.Warn("notification delivery failed",
				"user_id", subscription.UserID,
				"channel", subscription.Channel,
				"record_id", notification.RecordID,
				"error", err.Error(),
			)
			g.enqueueRetry(ctx, outbound, subscription.Channel)
			continue
		}
		delivery.Delivered++
	}
	return delivery
}

// Deliver sends one outbound payload over one channel without fan-out.
// Used by the retry backlog worker.
// Params: context, channel key, and outbound payload.
// Returns: send error.
func (g *Gateway) Deliver(ctx context.Context, channel string, outbound Outbound) error {
	return g.deliver(ctx, channel, outbound)
}

// deliver routes one outbound payload to its channel sender.
// Params: context, channel key, and outbound payload.
// Returns: send error or unknown-channel error.
func (g *Gateway) deliver(ctx context.Context, channel string, outbound Outbound) error {
	sender, ok := g.senders[channel]
	if !ok {
		return fmt.Errorf("channel %q is not configured", channel)
	}
	_, err := sender.Send(ctx, outbound)
	return err
}

// enqueueRetry hands one failed delivery to the retry backlog.
// Params: context, outbound payload, and failing channel.
// Returns: backlog rejection is logged, never propagated.
func (g *Gateway) enqueueRetry(ctx context.Context, outbound Outbound, channel string) {
	if g.retry == nil {
		return
	}
	if err := g.retry.Enqueue(ctx, outbound, channel); err != nil {
		g.logger.Error("failed delivery could not join retry backlog",
			"channel", channel,
			"user_id", outbound.UserID,
			"error", err.Error(),
		)
	}
}

// renderMessage executes the notification message as a template when it
// contains template syntax; otherwise returns it verbatim.
// Params: notification payload.
// Returns: rendered message body.
func (g *Gateway) renderMessage(notification Notification) string {
	if !strings.Contains(notification.Message, "{{") {
		return notification.Message
	}
	parsed, err := templatefmt.ParseNotificationTemplate("notification.message", notification.Message)
	if err != nil {
		g.logger.Warn("notification message template parse failed", "error", err.Error())
		return notification.Message
	}
	var rendered strings.Builder
	if err := parsed.Execute(&rendered, notification); err != nil {
		g.logger.Warn("notification message template render failed", "error", err.Error())
		return notification.Message
	}
	return rendered.String()
}

// bypassQuietHours reports whether one notification overrides quiet hours.
// Params: notification payload.
// Returns: true for urgent priority or emergency alerts.
func bypassQuietHours(notification Notification) bool {
	if strings.EqualFold(notification.Priority, config.PriorityUrgent) {
		return true
	}
	return notification.Type == domain.AlertTypeEmergency
}

// matchesFilter checks one subscription against a recipient filter.
// An empty filter matches every subscription.
// Params: subscription and recipient filter.
// Returns: true when any filter dimension selects the subscription.
func matchesFilter(subscription Subscription, filter config.RecipientFilter) bool {
	if filter.Empty() {
		return true
	}
	for _, userID := range filter.UserIDs {
		if userID == subscription.UserID {
			return true
		}
	}
	for _, role := range filter.Roles {
		if strings.EqualFold(role, subscription.Role) {
			return true
		}
	}
	for _, deviceID := range filter.DeviceIDs {
		if deviceID == subscription.DeviceID {
			return true
		}
	}
	return false
}

// acceptsAlertType checks subscriber alert-type preferences.
// Empty preference list accepts every type.
// Params: subscription and alert type.
// Returns: preference match result.
func acceptsAlertType(subscription Subscription, alertType domain.AlertType) bool {
	if len(subscription.AlertTypes) == 0 {
		return true
	}
	for _, accepted := range subscription.AlertTypes {
		if accepted == alertType {
			return true
		}
	}
	return false
}

// acceptsCategory checks subscriber category preferences.
// Empty preference list accepts every category.
// Params: subscription and notification category.
// Returns: preference match result.
func acceptsCategory(subscription Subscription, category string) bool {
	if len(subscription.Categories) == 0 {
		return true
	}
	if strings.TrimSpace(category) == "" {
		return false
	}
	for _, accepted := range subscription.Categories {
		if strings.EqualFold(accepted, category) {
			return true
		}
	}
	return false
}
