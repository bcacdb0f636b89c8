package consolidate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/observability"
	"github.com/hazyhaar/licita/tender"
	"github.com/hazyhaar/licita/timeouts"
)

// kindOrder ranks failure kinds when a source failed for several reasons;
// the first present becomes the source's ErrorKind.
var kindOrder = []tender.ErrorKind{
	tender.KindCircuitOpen,
	tender.KindTimeout,
	tender.KindTerminal,
	tender.KindTransient,
}

// sourceRun accumulates one source's partition outcomes.
type sourceRun struct {
	mu        sync.Mutex
	records   []tender.RawRecord
	failed    map[string]tender.ErrorKind
	firstErr  error
	succeeded int
}

func (r *sourceRun) add(p tender.Partition, recs []tender.RawRecord, kind tender.ErrorKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recs...)
	if err == nil {
		r.succeeded++
		return
	}
	if r.failed == nil {
		r.failed = make(map[string]tender.ErrorKind)
	}
	r.failed[p.Key()] = kind
	if r.firstErr == nil {
		r.firstErr = err
	}
}

// fetchSource runs every partition of q against f. Regions (UFs) are
// scheduled on the source's worker pool; the modalities of one region run
// concurrently inside the region scope. Records of failed or timed-out
// partitions are kept.
func (s *Service) fetchSource(ctx context.Context, reqID string, f Fetcher, q tender.Query, report ProgressFunc, logger *slog.Logger) (*tender.SourceStatus, []tender.RawRecord) {
	id := f.ID()
	cfg := f.Config()
	start := s.now()
	logger = logger.With("source", string(id))

	sctx, cancel := s.chain.Scope(ctx, timeouts.Source)
	defer cancel()
	if cfg.Timeout > 0 && cfg.Timeout < s.chain.Source {
		var cancelCfg context.CancelFunc
		sctx, cancelCfg = context.WithTimeoutCause(sctx, cfg.Timeout, &timeouts.ScopeExpired{Level: timeouts.Source, Budget: cfg.Timeout})
		defer cancelCfg()
	}

	pool := s.pools[id]
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if err := s.chain.Headroom(timeouts.Source, len(q.UFs), workers); err != nil {
		logger.WarnContext(ctx, "regions may not fit the source budget", "workers", workers, "error", err)
	}

	w := q.Window()
	run := &sourceRun{}
	var wg sync.WaitGroup
	for _, uf := range q.UFs {
		parts := make([]tender.Partition, 0, len(q.Modalities))
		for _, m := range q.Modalities {
			parts = append(parts, tender.Partition{UF: uf, Modality: m})
		}
		if err := pool.Acquire(sctx, 1); err != nil {
			// The source scope expired while queued: the region never ran.
			kind := scopeKind(sctx, err)
			for _, p := range parts {
				run.add(p, nil, kind, err)
				s.partitionFailed(reqID, id, p, kind, err, report)
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pool.Release(1)
			s.fetchRegion(sctx, reqID, f, parts, w, run, report, logger)
		}()
	}
	wg.Wait()

	st := &tender.SourceStatus{
		Attempted:        true,
		Succeeded:        run.succeeded > 0,
		RecordCount:      len(run.records),
		ElapsedMs:        s.now().Sub(start).Milliseconds(),
		FailedPartitions: run.failed,
	}
	if len(run.failed) > 0 {
		present := make(map[tender.ErrorKind]bool, len(run.failed))
		for _, k := range run.failed {
			present[k] = true
		}
		for _, k := range kindOrder {
			if present[k] {
				st.ErrorKind = k
				break
			}
		}
		if !st.Succeeded && run.firstErr != nil {
			st.Reason = run.firstErr.Error()
		}
	}

	logger.InfoContext(ctx, "source finished",
		"records", st.RecordCount,
		"failed_partitions", len(st.FailedPartitions),
		"succeeded", st.Succeeded,
		"duration_ms", st.ElapsedMs)
	return st, run.records
}

// fetchRegion fetches the modalities of one UF concurrently, each in its own
// modality scope nested in the region scope.
func (s *Service) fetchRegion(ctx context.Context, reqID string, f Fetcher, parts []tender.Partition, w tender.Window,
	run *sourceRun, report ProgressFunc, logger *slog.Logger) {

	rctx, cancel := s.chain.Scope(ctx, timeouts.Region)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range parts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mctx, cancel := s.chain.Scope(rctx, timeouts.Modality)
			defer cancel()

			start := s.now()
			recs, err := f.FetchAll(mctx, p, w)
			elapsed := s.now().Sub(start)
			kind := connectivity.Classify(err)
			if err != nil && mctx.Err() != nil {
				kind = scopeKind(mctx, err)
			}
			run.add(p, recs, kind, err)

			labels := map[string]string{"source": string(f.ID()), "partition": p.Key()}
			s.metrics.Record(&observability.Metric{Name: observability.MetricPartitionDurationMs, Timestamp: start,
				Value: float64(elapsed.Milliseconds()), Unit: "milliseconds", Labels: labels})
			s.metrics.Record(&observability.Metric{Name: observability.MetricPartitionRecords, Timestamp: start,
				Value: float64(len(recs)), Unit: "count", Labels: labels})

			if err != nil {
				logger.WarnContext(ctx, "partition failed",
					"partition", p.Key(),
					"kind", string(kind),
					"kept_records", len(recs),
					"duration_ms", elapsed.Milliseconds(),
					"error", err)
				s.partitionFailed(reqID, f.ID(), p, kind, err, report)
				return
			}
			report(Progress{Type: ProgressPartition, Source: f.ID(), Partition: p.Key(), Records: len(recs), ElapsedMs: elapsed.Milliseconds()})
		}()
	}
	wg.Wait()
}

func (s *Service) partitionFailed(reqID string, id tender.SourceID, p tender.Partition, kind tender.ErrorKind, err error, report ProgressFunc) {
	s.emit(observability.Event{
		Type:      observability.EventPartitionFailed,
		RequestID: reqID,
		Source:    id,
		Partition: p.Key(),
		Kind:      kind,
		Detail:    err.Error(),
	})
	report(Progress{Type: ProgressPartition, Source: id, Partition: p.Key(), Kind: kind, Error: err.Error()})
}

// scopeKind classifies an error raised after ctx ended. Expiry of any
// timeout scope is a Timeout; cancellation by the caller is Transient.
func scopeKind(ctx context.Context, err error) tender.ErrorKind {
	var expired *timeouts.ScopeExpired
	if errors.As(context.Cause(ctx), &expired) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return tender.KindTimeout
	}
	if k := connectivity.Classify(err); k == tender.KindCircuitOpen || k == tender.KindTerminal {
		return k
	}
	return tender.KindTransient
}
