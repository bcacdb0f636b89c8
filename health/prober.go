package health

import (
	"context"
	"sync"
	"time"
)

// ProbeAll runs one canary probe per enabled, credentialed, non-overridden
// member concurrently and returns the probe errors by source. Probes go
// through each member's breaker, so results move breaker state exactly as
// live traffic would.
func (r *Registry) ProbeAll(ctx context.Context, timeout time.Duration) map[string]error {
	snap := r.snap.Load()
	results := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, m := range r.Members() {
		h, ok := snap.entries[m.ID()]
		if !ok || !h.Enabled || !h.HasCredentials || h.overridden {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			err := m.Probe(pctx)
			r.recordProbe(m.ID(), r.now(), err)
			mu.Lock()
			results[string(m.ID())] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// RunProber probes every interval until ctx is cancelled.
func (r *Registry) RunProber(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("health prober started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("health prober stopped")
			return
		case <-ticker.C:
			for src, err := range r.ProbeAll(ctx, timeout) {
				if err != nil {
					r.logger.Debug("canary probe failed", "source", src, "error", err)
				}
			}
		}
	}
}
