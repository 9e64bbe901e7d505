// Package lane sequences the events of one symbol through two stages: match,
// which runs against the in-memory book, and settle, which moves funds and
// persists the result. Each stage is one goroutine; a bounded channel of
// outcomes joins them so that matching event N+1 overlaps settling event N
// while settlement stays in event order.
package lane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/matching"
)

// Publish modes.
const (
	PublishBlock    = "block"
	PublishFailFast = "fail_fast"
)

// Settler is the second stage. Settle must not return before the outcome's
// effects are durable or it has given up on them.
type Settler interface {
	Settle(ctx context.Context, out *matching.Outcome) error
}

// Observer receives lane measurements.
type Observer interface {
	QueueDepth(symbol string, depth int)
	Matched(symbol string, kind matching.EventKind, trades int, took time.Duration)
	Settled(symbol string, took time.Duration, err error)
	PublishRejected(symbol, reason string)
}

// Config tunes a lane.
type Config struct {
	Capacity       int
	PublishMode    string
	PublishTimeout time.Duration
	// ImageEvery attaches a book image to every Nth outcome; zero disables.
	ImageEvery int
	// ImageInterval attaches an image when this long has passed since the
	// last one; zero disables.
	ImageInterval time.Duration
}

// Lane is the event pipeline of one symbol.
type Lane struct {
	symbol  string
	cfg     Config
	matcher *matching.Matcher
	settler Settler
	obs     Observer
	logger  *slog.Logger

	in   chan matching.Event
	out  chan *matching.Outcome
	done chan struct{}

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once

	sinceImage int
	lastImage  time.Time
}

// New builds a lane. The lane owns matcher's book from here on.
func New(symbol string, m *matching.Matcher, s Settler, cfg Config, obs Observer, logger *slog.Logger) *Lane {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.PublishMode == "" {
		cfg.PublishMode = PublishBlock
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Lane{
		symbol:    symbol,
		cfg:       cfg,
		matcher:   m,
		settler:   s,
		obs:       obs,
		logger:    logger.With(slog.String("component", "lane"), slog.String("symbol", symbol)),
		in:        make(chan matching.Event, cfg.Capacity),
		out:       make(chan *matching.Outcome, cfg.Capacity),
		done:      make(chan struct{}),
		lastImage: time.Now(),
	}
}

// Symbol returns the lane's symbol.
func (l *Lane) Symbol() string { return l.symbol }

// Depth returns the number of events waiting to be matched.
func (l *Lane) Depth() int { return len(l.in) }

// Publish enqueues an event. In fail_fast mode a full lane returns
// ErrLaneFull at once; in block mode Publish waits for room until ctx ends or
// the publish timeout passes. A stopped lane returns ErrLaneClosed.
func (l *Lane) Publish(ctx context.Context, ev matching.Event) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return domain.ErrLaneClosed
	}
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now()
	}

	if l.cfg.PublishMode == PublishFailFast {
		select {
		case l.in <- ev:
			l.obs.QueueDepth(l.symbol, len(l.in))
			return nil
		default:
			l.obs.PublishRejected(l.symbol, "full")
			return fmt.Errorf("lane %s: %w", l.symbol, domain.ErrLaneFull)
		}
	}

	var timeout <-chan time.Time
	if l.cfg.PublishTimeout > 0 {
		t := time.NewTimer(l.cfg.PublishTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case l.in <- ev:
		l.obs.QueueDepth(l.symbol, len(l.in))
		return nil
	case <-timeout:
		l.obs.PublishRejected(l.symbol, "timeout")
		return fmt.Errorf("lane %s: %w", l.symbol, domain.ErrLaneFull)
	case <-l.done:
		return domain.ErrLaneClosed
	case <-ctx.Done():
		l.obs.PublishRejected(l.symbol, "canceled")
		return ctx.Err()
	}
}

// Run starts both stages and blocks until ctx is canceled and every accepted
// event has been matched and settled.
func (l *Lane) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "lane started", slog.Uint64("seq", l.matcher.Seq()))

	var g errgroup.Group
	g.Go(func() error {
		l.matchLoop(ctx)
		return nil
	})
	g.Go(func() error {
		l.settleLoop(context.WithoutCancel(ctx))
		return nil
	})
	err := g.Wait()

	l.logger.Info("lane stopped", slog.Uint64("seq", l.matcher.Seq()))
	return err
}

// stop refuses new events. Publishers blocked in Publish return
// ErrLaneClosed; once stop returns no further event can enter the channel.
func (l *Lane) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	})
}

func (l *Lane) matchLoop(ctx context.Context) {
	defer close(l.out)
	for {
		select {
		case ev := <-l.in:
			l.out <- l.match(ev)
		case <-ctx.Done():
			l.stop()
			for {
				select {
				case ev := <-l.in:
					l.out <- l.match(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) match(ev matching.Event) *matching.Outcome {
	start := time.Now()
	out := l.matcher.Handle(ev)
	l.sinceImage++
	if l.imageDue(start) {
		img := l.matcher.Image()
		out.Image = &img
		l.sinceImage = 0
		l.lastImage = start
	}
	l.obs.Matched(l.symbol, ev.Kind, len(out.Trades), time.Since(start))
	l.obs.QueueDepth(l.symbol, len(l.in))
	return out
}

func (l *Lane) imageDue(now time.Time) bool {
	if l.cfg.ImageEvery > 0 && l.sinceImage >= l.cfg.ImageEvery {
		return true
	}
	return l.cfg.ImageInterval > 0 && now.Sub(l.lastImage) >= l.cfg.ImageInterval
}

func (l *Lane) settleLoop(ctx context.Context) {
	for out := range l.out {
		start := time.Now()
		err := l.settler.Settle(ctx, out)
		l.obs.Settled(l.symbol, time.Since(start), err)
		if err != nil {
			l.logger.ErrorContext(ctx, "settlement degraded",
				slog.Uint64("seq", out.Seq),
				slog.String("event", out.Event.Kind.String()),
				slog.String("order_id", out.Event.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
}

type nopObserver struct{}

func (nopObserver) QueueDepth(string, int)                                  {}
func (nopObserver) Matched(string, matching.EventKind, int, time.Duration) {}
func (nopObserver) Settled(string, time.Duration, error)                    {}
func (nopObserver) PublishRejected(string, string)                          {}
