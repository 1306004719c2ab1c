// Package consumer runs the long-lived event pipelines: one stream per
// contract topic, each decoded envelope deduplicated and applied to the
// projection, with position updates fanned out on the signal bus.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perpdex/perpindexer/internal/chain"
	"github.com/perpdex/perpindexer/internal/domain"
)

// SignalChannel is the bus channel carrying position update notifications.
const SignalChannel = "positions"

const (
	restartBackoffMin = time.Second
	restartBackoffMax = 30 * time.Second

	applyAttempts = 3
	applyDelay    = 250 * time.Millisecond
)

// Streamer produces decoded envelopes for one topic. Satisfied by
// *chain.Gateway.
type Streamer interface {
	Stream(ctx context.Context, topic chain.Topic, out chan<- chain.Envelope) error
}

// Applier applies one decoded event to the projection. Satisfied by
// *projection.Machine.
type Applier interface {
	Apply(ctx context.Context, ev domain.Event, meta domain.EventMeta) error
}

// GapFiller reindexes an inclusive id range from chain state. Satisfied by the
// backfill controller.
type GapFiller interface {
	FillRange(ctx context.Context, from, to uint32) error
}

// Signal is the JSON payload published per applied event.
type Signal struct {
	Type       string `json:"type"`
	PositionID uint32 `json:"position_id"`
	Block      uint64 `json:"block"`
	TxHash     string `json:"tx_hash"`
}

// Consumer supervises the four topic streams. Each stream restarts with
// exponential backoff when its subscription fails or the watchdog trips;
// events lost across restarts are repaired by backfill and reconciliation.
type Consumer struct {
	gateway Streamer
	applier Applier
	dedup   *Dedup
	bus     domain.SignalBus
	filler  GapFiller
	logger  *slog.Logger
}

// New creates a Consumer. bus and filler may be nil (no fan-out, no periodic
// backfill trigger).
func New(gateway Streamer, applier Applier, dedup *Dedup, bus domain.SignalBus, filler GapFiller, logger *slog.Logger) *Consumer {
	return &Consumer{
		gateway: gateway,
		applier: applier,
		dedup:   dedup,
		bus:     bus,
		filler:  filler,
		logger:  logger.With(slog.String("component", "consumer")),
	}
}

// Run starts one pipeline per topic and blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range chain.Topics() {
		topic := topic
		g.Go(func() error { return c.runTopic(ctx, topic) })
	}
	return g.Wait()
}

// runTopic restarts the stream forever. The backoff resets after any run that
// survived longer than a minute.
func (c *Consumer) runTopic(ctx context.Context, topic chain.Topic) error {
	backoff := restartBackoffMin
	for {
		started := time.Now()
		err := c.streamOnce(ctx, topic)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			backoff = restartBackoffMin
		}

		c.logger.Warn("stream terminated, restarting",
			slog.String("topic", string(topic)),
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < restartBackoffMax {
			backoff *= 2
		}
	}
}

// streamOnce runs one subscription until it fails, handling envelopes inline.
func (c *Consumer) streamOnce(ctx context.Context, topic chain.Topic) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan chain.Envelope, 64)
	errc := make(chan error, 1)
	go func() { errc <- c.gateway.Stream(sctx, topic, out) }()

	for {
		select {
		case err := <-errc:
			return err
		case env := <-out:
			c.handle(ctx, topic, env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) handle(ctx context.Context, topic chain.Topic, env chain.Envelope) {
	key := env.Meta.DedupKey()
	if c.dedup.Seen(key) {
		c.logger.Debug("duplicate log suppressed",
			slog.String("topic", string(topic)),
			slog.String("key", key),
		)
		return
	}

	if err := c.applyWithRetry(ctx, env); err != nil {
		c.logger.Error("event not applied",
			slog.String("topic", string(topic)),
			slog.Uint64("position_id", uint64(env.Event.PositionID())),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	c.publish(ctx, topic, env)
	c.maybeBackfill(ctx, env)
}

// applyWithRetry retries store failures a few times. ErrNotFound is final: an
// Executed/StopsUpdated/Removed for an id the projection has never seen is the
// backfill's to create, not ours to invent.
func (c *Consumer) applyWithRetry(ctx context.Context, env chain.Envelope) error {
	var err error
	for attempt := 1; attempt <= applyAttempts; attempt++ {
		err = c.applier.Apply(ctx, env.Event, env.Meta)
		if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrBadTick) {
			return err
		}
		if attempt < applyAttempts {
			select {
			case <-time.After(applyDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

func (c *Consumer) publish(ctx context.Context, topic chain.Topic, env chain.Envelope) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(Signal{
		Type:       string(topic),
		PositionID: env.Event.PositionID(),
		Block:      env.Meta.Block,
		TxHash:     env.Meta.TxHash,
	})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, SignalChannel, payload); err != nil {
		c.logger.Debug("signal publish failed", slog.String("error", err.Error()))
	}
}

// maybeBackfill triggers a sweep of the trailing id window on every tenth
// Opened id, catching events dropped between that id and the previous trigger.
func (c *Consumer) maybeBackfill(ctx context.Context, env chain.Envelope) {
	if c.filler == nil {
		return
	}
	opened, ok := env.Event.(domain.Opened)
	if !ok || opened.ID == 0 || opened.ID%10 != 0 {
		return
	}
	from, to := opened.ID-9, opened.ID
	go func() {
		if err := c.filler.FillRange(ctx, from, to); err != nil {
			c.logger.Warn("window backfill failed",
				slog.Uint64("from", uint64(from)),
				slog.Uint64("to", uint64(to)),
				slog.String("error", err.Error()),
			)
		}
	}()
}
