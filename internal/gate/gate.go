package gate

import (
	"context"
	"time"

	"dex-keeper-go/internal/clock"

	"go.uber.org/zap"
)

// PauseReader reads the ledger's emergency stop flag.
type PauseReader interface {
	IsPaused(ctx context.Context) (bool, error)
}

// StatusGate tells the loops whether writes are allowed right now.
type StatusGate struct {
	reader   PauseReader
	clk      clock.Clock
	interval time.Duration
	logger   *zap.Logger

	// OnChange, when set, observes every pause flag reading.
	OnChange func(paused bool)
}

// New creates a gate polling every interval while paused.
func New(reader PauseReader, clk clock.Clock, interval time.Duration, logger *zap.Logger) *StatusGate {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &StatusGate{reader: reader, clk: clk, interval: interval, logger: logger}
}

// Paused reports the pause flag. A failed read counts as paused so no write goes out
// while the status is unknown; the error is returned for logging.
func (g *StatusGate) Paused(ctx context.Context) (bool, error) {
	paused, err := g.reader.IsPaused(ctx)
	if err != nil {
		return true, err
	}
	if g.OnChange != nil {
		g.OnChange(paused)
	}
	return paused, nil
}

// WaitUntilOperational polls until the flag clears or ctx is cancelled.
func (g *StatusGate) WaitUntilOperational(ctx context.Context) error {
	g.logger.Warn("System paused, waiting for unpause", zap.Duration("poll_interval", g.interval))
	started := g.clk.Now()
	for {
		if err := g.clk.Sleep(ctx, g.interval); err != nil {
			return err
		}
		paused, err := g.Paused(ctx)
		if err != nil {
			g.logger.Warn("Pause flag read failed", zap.Error(err))
			continue
		}
		if !paused {
			g.logger.Info("System operational again", zap.Duration("paused_for", g.clk.Now().Sub(started)))
			return nil
		}
	}
}
