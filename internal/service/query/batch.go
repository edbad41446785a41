package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "workshop-backend/internal/errors"
	"workshop-backend/internal/infrastructure/observability"
)

// BatchOperation is one entry of RunBatch. Labels must be unique within a
// batch.
type BatchOperation struct {
	Label   string
	Fetch   func(context.Context) (any, error)
	Options []RunOption
}

// BatchResult is the outcome of one entry. Exactly one of Data and Err is set.
type BatchResult struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Err       error           `json:"-"`
	FromCache bool            `json:"fromCache"`
	Attempts  int             `json:"attempts,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Decode unmarshals Data into dest, or returns Err.
func (r BatchResult) Decode(dest any) error {
	if r.Err != nil {
		return r.Err
	}
	return json.Unmarshal(r.Data, dest)
}

type batchEntry struct {
	op  BatchOperation
	ro  runOptions
	key string
}

// RunBatch resolves every operation and returns results keyed by label. All
// cache lookups finish before any fetch starts; misses are then fetched
// concurrently, higher priority first. A failing entry never affects the
// others.
func (o *Optimizer) RunBatch(ctx context.Context, ops []BatchOperation) map[string]BatchResult {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "query.RunBatch", trace.WithAttributes(
		attribute.Int("batch.size", len(ops)),
	))
	timer := o.monitor.StartTimer(observability.CategoryDatabase, BatchLabel)

	var (
		mu      sync.Mutex
		results = make(map[string]BatchResult, len(ops))
	)
	put := func(label string, r BatchResult) {
		mu.Lock()
		results[label] = r
		mu.Unlock()
	}

	entries := o.prepareBatch(ops, results)

	// Phase 1: lookups.
	misses := make([]*batchEntry, len(entries))
	lookups, lctx := errgroup.WithContext(ctx)
	lookups.SetLimit(o.cfg.BatchConcurrency * 2)
	for i, e := range entries {
		if e.ro.skipCache {
			misses[i] = e
			continue
		}
		lookups.Go(func() error {
			lookupStart := time.Now()
			raw, hit := o.cache.GetRaw(lctx, e.key)
			if !hit {
				misses[i] = e
				return nil
			}
			d := time.Since(lookupStart)
			o.stats.Record(e.op.Label, observability.Sample{Duration: d, CacheHit: true})
			put(e.op.Label, BatchResult{Data: raw, FromCache: true, Duration: d})
			return nil
		})
	}
	_ = lookups.Wait()

	// Phase 2: fetch misses.
	pending := make([]*batchEntry, 0, len(misses))
	for _, e := range misses {
		if e != nil {
			pending = append(pending, e)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].ro.priority.rank() > pending[j].ro.priority.rank()
	})

	var fetches errgroup.Group
	fetches.SetLimit(o.cfg.BatchConcurrency)
	for _, e := range pending {
		fetches.Go(func() error {
			value, attempts, elapsed, err := execute(ctx, o, e.op.Label, e.key, e.op.Fetch, e.ro)
			if err != nil {
				put(e.op.Label, BatchResult{Err: err, Attempts: attempts, Duration: elapsed})
				return nil
			}
			data, err := json.Marshal(value)
			if err != nil {
				err = apperrors.Internal("BATCH_ENCODE_FAILED", "batch result cannot be encoded as JSON").
					WithResource(e.op.Label).
					WithCause(err).
					Build()
			}
			put(e.op.Label, BatchResult{Data: data, Err: err, Attempts: attempts, Duration: elapsed})
			return nil
		})
	}
	_ = fetches.Wait()

	// Phase 3 is the merge done by put; record the batch as a whole.
	elapsed := time.Since(start)
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	o.stats.Record(BatchLabel, observability.Sample{Duration: elapsed, Items: len(ops), Failed: failed > 0})
	o.monitor.EndTimer(timer, observability.OutcomeSuccess, nil)
	span.SetAttributes(
		attribute.Int("batch.misses", len(pending)),
		attribute.Int("batch.failed", failed),
	)
	observability.EndSpan(span, nil)

	o.logger.Debug("Query batch completed",
		zap.Int("operations", len(ops)),
		zap.Int("fetched", len(pending)),
		zap.Int("failed", failed),
		zap.Duration("duration", elapsed))
	return results
}

// prepareBatch validates ops. Invalid and duplicate labels get an error
// result immediately and are left out of the returned entries.
func (o *Optimizer) prepareBatch(ops []BatchOperation, results map[string]BatchResult) []*batchEntry {
	counts := make(map[string]int, len(ops))
	for _, op := range ops {
		counts[op.Label]++
	}

	entries := make([]*batchEntry, 0, len(ops))
	for _, op := range ops {
		switch {
		case op.Label == "":
			results[op.Label] = BatchResult{Err: apperrors.Validation("BATCH_LABEL_REQUIRED", "batch operation has no label").Build()}
		case counts[op.Label] > 1:
			results[op.Label] = BatchResult{Err: apperrors.Validation("BATCH_LABEL_DUPLICATE",
				fmt.Sprintf("label %q appears %d times in the batch", op.Label, counts[op.Label])).
				WithResource(op.Label).
				Build()}
		case op.Fetch == nil:
			results[op.Label] = BatchResult{Err: apperrors.Validation("BATCH_FETCH_REQUIRED", "batch operation has no fetch function").
				WithResource(op.Label).
				Build()}
		default:
			ro := o.cfg.resolve(op.Options)
			entries = append(entries, &batchEntry{op: op, ro: ro, key: CacheKey(op.Label, ro.params...)})
		}
	}
	return entries
}
