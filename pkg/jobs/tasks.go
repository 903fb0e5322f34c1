package jobs

import (
	"context"
	"time"
)

// Sweeper drops expired refresh sessions
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Pruner deletes records older than a cutoff
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Archiver exports and prunes one retention window of events
type Archiver interface {
	Run(ctx context.Context) (int64, error)
}

// SessionSweep removes refresh sessions that expired before now
func SessionSweep(sessions Sweeper) Job {
	return func(ctx context.Context) (int64, error) {
		return sessions.Sweep(ctx, time.Now())
	}
}

// EventArchive runs one archive pass
func EventArchive(archiver Archiver) Job {
	return archiver.Run
}

// Prune deletes records older than retention
func Prune(pruner Pruner, retention time.Duration) Job {
	return func(ctx context.Context) (int64, error) {
		return pruner.Prune(ctx, time.Now().Add(-retention))
	}
}
