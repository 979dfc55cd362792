package notifyqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"escalation/internal/config"

	"github.com/nats-io/nats.go"
)

const queueStreamMaxAge = 24 * time.Hour

// NATSProducer publishes redelivery jobs into a JetStream work queue.
// Params: NATS connection and publish subject settings.
// Returns: queue producer implementation.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSProducer creates JetStream producer for the redelivery queue.
// Params: derived queue settings.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.NATSQueueConfig) (*NATSProducer, error) {
	nc, js, err := openQueueJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Enqueue publishes one redelivery job into the queue stream.
// Params: context and queue job payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry queue job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if strings.TrimSpace(job.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(job.ID))
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish retry queue job: %w", err)
	}
	return nil
}

// Close closes producer NATS connection.
// Params: none.
// Returns: nil after connection close.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes redelivery jobs via a queue group consumer.
// Params: NATS connection and queue subscription.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSWorker starts the queue consumer for redelivery jobs. Retries
// exhaust through JetStream max-deliver; exhausted and permanently
// failed jobs are acknowledged and dropped with a log entry.
// Params: derived queue settings, logger, and per-job handler callback.
// Returns: running worker or setup error.
func NewNATSWorker(
	cfg config.NATSQueueConfig,
	logger *slog.Logger,
	handler func(ctx context.Context, job Job) error,
) (*NATSWorker, error) {
	nc, js, err := openQueueJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{nc: nc, logger: logger}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		if message == nil {
			return
		}
		var job Job
		if err := json.Unmarshal(message.Data, &job); err != nil {
			logger.Warn("retry queue decode failed", "subject", message.Subject, "error", err.Error())
			_ = message.Ack()
			return
		}
		job.Attempts = int(deliveryAttempts(message))
		if err := handler(context.Background(), job); err != nil {
			if IsPermanent(err) {
				logger.Warn("queued delivery dropped, permanent failure",
					"job_id", job.ID,
					"channel", job.Channel,
					"error", err.Error(),
				)
				_ = message.Ack()
				return
			}
			if isMaxDeliverExceeded(deliveryAttempts(message), cfg.MaxDeliver) {
				logger.Warn("queued delivery dropped, retries exhausted",
					"job_id", job.ID,
					"channel", job.Channel,
					"attempts", job.Attempts,
					"error", err.Error(),
				)
				_ = message.Ack()
				return
			}
			logger.Debug("queued delivery failed, will retry",
				"job_id", job.ID,
				"channel", job.Channel,
				"attempt", job.Attempts,
				"error", err.Error(),
			)
			if nackDelay > 0 {
				_ = message.NakWithDelay(nackDelay)
			} else {
				_ = message.Nak()
			}
			return
		}
		_ = message.Ack()
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe retry %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// Close drains worker subscription and closes NATS connection.
// Params: none.
// Returns: close error from subscription drain.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// openQueueJetStream opens connection/JetStream and ensures the retry
// queue stream exists.
// Params: derived queue settings.
// Returns: opened NATS connection, JetStream context, and setup error.
func openQueueJetStream(cfg config.NATSQueueConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect retry queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for retry queue: %w", err)
	}
	if err := ensureQueueStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

// ensureQueueStream ensures the work queue stream exists.
// Params: JetStream context and stream/subject names.
// Returns: stream create/lookup error.
func ensureQueueStream(js nats.JetStreamContext, streamName, subject string) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    queueStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// isMaxDeliverExceeded reports if current attempt reached configured max deliver.
// Params: attempt counter and max deliver config.
// Returns: true when current attempt is final allowed delivery.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}
