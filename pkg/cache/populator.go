package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Populator writes entries in the background so a miss never waits on the
// store. Writes use their own deadline, not the request's, and Flush waits
// for every write that has been started.
type Populator struct {
	store   Store
	timeout time.Duration
	logger  zerolog.Logger

	wg      sync.WaitGroup
	pending atomic.Int64
	written atomic.Uint64
	failed  atomic.Uint64
}

func NewPopulator(store Store, timeout time.Duration, logger zerolog.Logger) *Populator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Populator{store: store, timeout: timeout, logger: logger}
}

// Store schedules a write of entry under key and returns immediately.
func (p *Populator) Store(key string, entry *Entry) {
	p.wg.Add(1)
	p.pending.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.pending.Add(-1)

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.store.Put(ctx, key, entry); err != nil {
			p.failed.Add(1)
			p.logger.Warn().Err(err).Str("cache_key", key).Msg("cache population failed")
			return
		}
		p.written.Add(1)
	}()
}

// Flush blocks until all scheduled writes finish or ctx is done.
func (p *Populator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn().Int64("pending", p.pending.Load()).Msg("abandoning pending cache writes")
		return ctx.Err()
	}
}

// PopulatorStats reports write totals.
type PopulatorStats struct {
	Pending int64  `json:"pending"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

func (p *Populator) Stats() PopulatorStats {
	return PopulatorStats{
		Pending: p.pending.Load(),
		Written: p.written.Load(),
		Failed:  p.failed.Load(),
	}
}
