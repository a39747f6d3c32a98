// Package ledger decorates a repository.LedgerRepository with the
// concurrency model §5 asks for: writers append to a buffered channel (the
// "lock-free queue") instead of touching the durable store directly, and a
// single dedicated goroutine (the "aggregator task") drains it into the
// wrapped repository in order. A write-ahead log durably records every
// queued entry before it is handed to that goroutine, so a crash between
// Append and the goroutine's write does not lose the row — Replay on
// startup re-drives anything the WAL has that the repository doesn't.
package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

// Config holds the aggregator's tunables.
type Config struct {
	QueueSize  int    // buffered channel capacity, default 1024
	WALDir     string // directory for the WAL file; empty disables WAL durability
	MaxWALSize int64  // bytes before rotation; 0 = 10MB default
}

// DefaultConfig returns the queue/WAL defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 1024}
}

type queuedAppend struct {
	run     *entity.RequestRun
	ownerID string
}

// Aggregator is a repository.LedgerRepository whose Append is asynchronous:
// callers enqueue and return immediately, and one goroutine owns every write
// to the wrapped repository, so concurrent RequestRuns never contend on it.
type Aggregator struct {
	inner  repository.LedgerRepository
	wal    *wal
	queue  chan queuedAppend
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

var _ repository.LedgerRepository = (*Aggregator)(nil)

// NewAggregator wraps inner with the queue + aggregator-goroutine model. If
// cfg.WALDir is empty the WAL is skipped and queued entries that never reach
// inner (process killed before the goroutine drains them) are lost, same as
// the teacher's plain InMemoryBus; set WALDir for the durable path.
func NewAggregator(inner repository.LedgerRepository, cfg Config, logger *zap.Logger) (*Aggregator, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger = logger.With(zap.String("component", "ledger-aggregator"))

	var w *wal
	if cfg.WALDir != "" {
		var err error
		w, err = openWAL(cfg.WALDir, cfg.MaxWALSize, logger)
		if err != nil {
			return nil, err
		}
	}

	a := &Aggregator{
		inner:   inner,
		wal:     w,
		queue:   make(chan queuedAppend, cfg.QueueSize),
		logger:  logger,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}

	if w != nil {
		if err := a.replayWAL(); err != nil {
			logger.Warn("ledger WAL replay failed", zap.Error(err))
		}
	}

	safego.Go(logger, "ledger-aggregator", a.run)
	return a, nil
}

// replayWAL re-enqueues every entry the WAL has on disk whose run the wrapped
// repository does not already hold. It runs before the aggregator goroutine
// starts, so entries replay in the order they were originally written; the
// WAL is truncated once the replayed entries are queued, before the
// aggregator goroutine has written them.
func (a *Aggregator) replayWAL() error {
	entries, err := a.wal.replay()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := a.inner.FindRunByID(context.Background(), e.RunID); err == nil {
			continue
		}
		a.queue <- queuedAppend{run: e.toRun(), ownerID: e.OwnerID}
	}
	if len(entries) > 0 {
		a.logger.Info("replayed ledger WAL entries", zap.Int("count", len(entries)))
	}
	return a.wal.truncate()
}

// run is the dedicated aggregator goroutine: it is the only writer that ever
// calls a.inner.Append, so the wrapped repository sees writes serialized.
func (a *Aggregator) run() {
	defer close(a.drained)
	for {
		select {
		case entry, ok := <-a.queue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.inner.Append(ctx, entry.run, entry.ownerID); err != nil {
				a.logger.Error("aggregator failed to persist ledger row",
					zap.String("run_id", entry.run.ID()), zap.Error(err))
			}
			cancel()
		case <-a.done:
			// Drain whatever is already queued before exiting so a graceful
			// Close doesn't drop in-flight rows.
			for {
				select {
				case entry := <-a.queue:
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					if err := a.inner.Append(ctx, entry.run, entry.ownerID); err != nil {
						a.logger.Error("aggregator failed to persist ledger row during drain",
							zap.String("run_id", entry.run.ID()), zap.Error(err))
					}
					cancel()
				default:
					return
				}
			}
		}
	}
}

// Append enqueues run for the aggregator goroutine to persist. It writes the
// entry to the WAL (if configured) before queuing so the row survives a
// crash, then does a non-blocking send — a full queue means the aggregator
// is falling behind, and like the teacher's event bus this drops the live
// enqueue rather than blocking the request path; the WAL copy is what
// Replay recovers from on the next restart.
func (a *Aggregator) Append(ctx context.Context, run *entity.RequestRun, ownerID string) error {
	entry := entryFromRun(run, ownerID)
	if a.wal != nil {
		if err := a.wal.append(entry); err != nil {
			a.logger.Warn("ledger WAL write failed", zap.Error(err))
		}
	}

	select {
	case a.queue <- queuedAppend{run: run, ownerID: ownerID}:
	default:
		a.logger.Warn("ledger queue full, aggregator is falling behind",
			zap.String("run_id", run.ID()), zap.Int("queue_size", cap(a.queue)))
	}
	return nil
}

// FindRunByID, CostByTenant, CostByTier, FailureRateByTier, and
// LatencyByAgent are read paths; they pass straight through to inner since
// only writes need to serialize through the aggregator goroutine.

func (a *Aggregator) FindRunByID(ctx context.Context, id string) (*entity.RequestRun, error) {
	return a.inner.FindRunByID(ctx, id)
}

func (a *Aggregator) CostByTenant(ctx context.Context, since time.Time) ([]repository.TenantCost, error) {
	return a.inner.CostByTenant(ctx, since)
}

func (a *Aggregator) CostByTier(ctx context.Context, since time.Time) ([]repository.TierCost, error) {
	return a.inner.CostByTier(ctx, since)
}

func (a *Aggregator) FailureRateByTier(ctx context.Context, since time.Time) ([]repository.TierFailureRate, error) {
	return a.inner.FailureRateByTier(ctx, since)
}

func (a *Aggregator) LatencyByAgent(ctx context.Context, since time.Time) ([]repository.AgentLatency, error) {
	return a.inner.LatencyByAgent(ctx, since)
}

// Close stops the aggregator goroutine after draining its queue and closes
// the WAL file. Safe to call once during shutdown.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		<-a.drained
		if a.wal != nil {
			_ = a.wal.close()
		}
	})
}
