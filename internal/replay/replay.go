// Package replay feeds recorded events onto a publisher at a controlled
// pace, for deterministic capture tests and backfill runs.
package replay

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/coachpo/eventtap/errs"
	"github.com/coachpo/eventtap/internal/schema"
)

// Publisher receives replayed events. The in-memory bus satisfies this.
type Publisher interface {
	Publish(ctx context.Context, evt *schema.Event) error
}

// Config controls replay pacing.
type Config struct {
	// EventsPerSecond caps the replay rate. Zero or negative replays as fast
	// as the publisher accepts.
	EventsPerSecond float64
	// Burst is the limiter burst size; zero selects 1.
	Burst int
}

// Player replays recorded event sequences in order.
type Player struct {
	publisher Publisher
	limiter   *rate.Limiter
}

// New constructs a Player for the given publisher.
func New(cfg Config, publisher Publisher) (*Player, error) {
	if publisher == nil {
		return nil, errs.New("replay/new", errs.CodeInvalid, errs.WithMessage("publisher required"))
	}
	var limiter *rate.Limiter
	if cfg.EventsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
	}
	return &Player{publisher: publisher, limiter: limiter}, nil
}

// Run publishes the events in order, honoring the configured pace and the
// context. It returns the number of events published and the first error
// encountered; nil entries are skipped without counting.
func (p *Player) Run(ctx context.Context, events []*schema.Event) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	published := 0
	for _, evt := range events {
		if evt == nil {
			continue
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return published, err
			}
		} else if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := p.publisher.Publish(ctx, evt); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
