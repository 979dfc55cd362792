package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"escalation/internal/config"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// SendResult returns channel-specific metadata after successful delivery.
// Params: sender-specific metadata fields.
// Returns: optional message identifiers.
type SendResult struct {
	MessageID   int
	ExternalRef string
}

// Outbound is one rendered notification bound to one recipient.
// Params: rendered title/message plus delivery metadata.
// Returns: channel sender input payload.
type Outbound struct {
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	AlertType string            `json:"alertType"`
	Priority  string            `json:"priority"`
	Category  string            `json:"category,omitempty"`
	UserID    string            `json:"userId"`
	DeviceID  string            `json:"deviceId,omitempty"`
	RecordID  string            `json:"recordId,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// ChannelSender sends one outbound notification to one recipient device.
// Params: context and outbound payload.
// Returns: channel send metadata and transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, outbound Outbound) (SendResult, error)
}

// PushSender simulates a mobile push provider with configurable latency and
// failure rate. Used in single mode and in tests.
// Params: latency, failure rate, and deterministic seed.
// Returns: push channel sender.
type PushSender struct {
	latency     time.Duration
	failureRate float64

	mu      sync.Mutex
	rng     *rand.Rand
	counter int
}

// NewPushSender creates simulated push sender.
// Params: push notifier config.
// Returns: initialized sender.
func NewPushSender(cfg config.PushNotifier) *PushSender {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PushSender{
		latency:     time.Duration(cfg.LatencyMS) * time.Millisecond,
		failureRate: cfg.FailureRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *PushSender) Channel() string {
	return config.ChannelPush
}

// Send simulates one push delivery.
// Params: context and outbound payload.
// Returns: synthetic message id or simulated provider failure.
func (s *PushSender) Send(ctx context.Context, outbound Outbound) (SendResult, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return SendResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.counter++
	messageID := s.counter
	failed := s.failureRate > 0 && s.rng.Float64() < s.failureRate
	s.mu.Unlock()

	if failed {
		return SendResult{}, fmt.Errorf("push provider rejected delivery to device %q", outbound.DeviceID)
	}
	return SendResult{MessageID: messageID}, nil
}

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token, chat id, and base URL.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: Telegram notifier config.
// Returns: initialized sender.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if strings.TrimSpace(cfg.APIBase) != "" {
		options = append(options, tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *TelegramSender) Channel() string {
	return config.ChannelTelegram
}

// Send posts one notification message to Telegram chat.
// Params: context and outbound payload.
// Returns: transport or HTTP error.
func (s *TelegramSender) Send(ctx context.Context, outbound Outbound) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}
	if s.client == nil {
		return SendResult{}, errors.New("telegram client is not initialized")
	}

	text := outbound.Message
	if strings.TrimSpace(outbound.Title) != "" {
		text = "<b>" + outbound.Title + "</b>\n" + outbound.Message
	}
	request := &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	}

	sent, err := s.client.SendMessage(ctx, request)
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{MessageID: sent.ID}, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// WebhookSender posts outbound payload to a configured HTTP endpoint.
// Params: endpoint URL, headers, and timeout.
// Returns: generic webhook sender.
type WebhookSender struct {
	cfg    config.WebhookNotifier
	client *http.Client
}

// NewWebhookSender creates generic webhook sender.
// Params: webhook notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookNotifier) *WebhookSender {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &WebhookSender{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *WebhookSender) Channel() string {
	return config.ChannelWebhook
}

// Send delivers JSON payload to configured webhook endpoint.
// Params: context and outbound payload.
// Returns: transport or HTTP error.
func (s *WebhookSender) Send(ctx context.Context, outbound Outbound) (SendResult, error) {
	body, err := json.Marshal(outbound)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode webhook payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return SendResult{}, unexpectedHTTPStatusError("webhook", response)
	}
	return SendResult{}, nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
