// Package notify publishes a best-effort NATS JetStream notification each
// time an instance's checkpoint advances. It is optional and non-load
// bearing: the indexing engine's correctness never depends on a
// subscriber receiving these, only external systems that want a push
// signal instead of polling /status. Adapted from the teacher's
// internal/nats/publisher.go, generalized from per-log-event publishing to
// per-checkpoint-commit publishing.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/ponder-sh/ponder/internal/checkpoint"
)

const streamCreateTimeout = 10 * time.Second

// CheckpointCommit is the envelope published after an instance's
// checkpoint durably advances.
type CheckpointCommit struct {
	CorrelationID string                 `json:"correlation_id"`
	InstanceID    string                 `json:"instance_id"`
	Checkpoint    checkpoint.Checkpoint  `json:"checkpoint"`
	PublishedAt   time.Time              `json:"published_at"`
}

// Publisher publishes CheckpointCommit envelopes, deduplicated by
// checkpoint string so a redelivered commit is a no-op on the subscriber
// side.
type Publisher struct {
	js         jetstream.JetStream
	nc         *nats.Conn
	logger     zerolog.Logger
	subject    string
	instanceID string
}

// Config controls the publisher's connection and stream naming.
type Config struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Connect dials natsURL, ensures the stream exists, and returns a
// Publisher. Returns an error rather than logger.Fatal (unlike the
// teacher) since notify is optional: the engine may choose to run without
// it instead of refusing to start.
func Connect(ctx context.Context, cfg Config, instanceID string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("ponder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("notify: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("notify: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("notify: jetstream: %w", err)
	}

	createCtx, cancel := context.WithTimeout(ctx, streamCreateTimeout)
	defer cancel()

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 20 * time.Minute
	}

	_, err = js.CreateOrUpdateStream(createCtx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.SubjectPrefix + ".*"},
		MaxAge:     maxAge,
		Storage:    jetstream.FileStorage,
		Duplicates: maxAge,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("notify: create stream: %w", err)
	}

	logger.Info().Str("stream", cfg.StreamName).Str("url", cfg.URL).Msg("checkpoint notifier initialized")

	return &Publisher{
		js:         js,
		nc:         nc,
		logger:     logger.With().Str("component", "notify").Logger(),
		subject:    cfg.SubjectPrefix + ".checkpoint",
		instanceID: instanceID,
	}, nil
}

// PublishCheckpoint publishes a commit envelope, deduplicated by the
// checkpoint's own string encoding so the subscriber never double-counts a
// redelivery.
func (p *Publisher) PublishCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	envelope := CheckpointCommit{
		CorrelationID: uuid.NewString(),
		InstanceID:    p.instanceID,
		Checkpoint:    cp,
		PublishedAt:   time.Now(),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	msgID := fmt.Sprintf("%s-%s", p.instanceID, cp.String())
	if _, err := p.js.Publish(ctx, p.subject, data, jetstream.WithMsgID(msgID)); err != nil {
		p.logger.Warn().Err(err).Str("checkpoint", cp.String()).Msg("failed to publish checkpoint commit")
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Healthy reports whether the underlying NATS connection is up.
func (p *Publisher) Healthy() bool { return p.nc != nil && p.nc.IsConnected() }

// Close releases the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info().Msg("checkpoint notifier closed")
	}
}
