package automation

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Loop is a long-running component stopped by cancelling its context.
type Loop interface {
	Run(ctx context.Context) error
}

// Engine runs the poller and the sweeps under one context.
type Engine struct {
	loops  []Loop
	logger zerolog.Logger
}

func NewEngine(logger zerolog.Logger, loops ...Loop) *Engine {
	return &Engine{loops: loops, logger: logger.With().Str("component", "engine").Logger()}
}

// Run blocks until ctx is cancelled and every loop has returned. If a loop
// fails, the others are stopped and the error is returned.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range e.loops {
		l := l
		g.Go(func() error { return l.Run(ctx) })
	}
	e.logger.Info().Int("loops", len(e.loops)).Msg("automation engine started")
	err := g.Wait()
	e.logger.Info().Err(err).Msg("automation engine stopped")
	return err
}
