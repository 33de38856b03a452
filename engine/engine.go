// Package engine schedules and bounds credential connectivity checks.
// It is the only component that handles decrypted secrets, and it holds
// each one just long enough for a single provider round trip.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stephnangue/keygate/adapter"
	"github.com/stephnangue/keygate/barrier"
	"github.com/stephnangue/keygate/credential"
	"github.com/stephnangue/keygate/helper"
	log "github.com/stephnangue/keygate/logger"
)

// Config bounds the engine.
type Config struct {
	// DefaultTimeout applies when a check requests no timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps any requested timeout.
	MaxTimeout time.Duration
	// MaxConcurrent bounds checks in flight across all owners.
	MaxConcurrent int64
}

// Engine runs connectivity checks: fetch the record, recover the secret
// through the barrier, hand it to the provider adapter under a deadline,
// and persist whichever outcome results.
type Engine struct {
	store    credential.Store
	barrier  *barrier.Barrier
	adapters *adapter.Registry
	sem      *semaphore.Weighted

	defaultTimeout time.Duration
	maxTimeout     time.Duration

	logger log.Logger
}

var _ credential.Tester = (*Engine)(nil)

func New(store credential.Store, b *barrier.Barrier, adapters *adapter.Registry, cfg Config, logger log.Logger) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}

	return &Engine{
		store:          store,
		barrier:        b,
		adapters:       adapters,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrent),
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		logger:         logger,
	}
}

// ClampTimeout maps a requested timeout into the engine's bounds.
func (e *Engine) ClampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.defaultTimeout
	}
	if requested > e.maxTimeout {
		return e.maxTimeout
	}
	return requested
}

// Run executes one connectivity check and persists its outcome on the
// record. The returned outcome mirrors what was written. A cancelled
// caller context aborts the check and writes nothing.
func (e *Engine) Run(ctx context.Context, ownerID, id string, timeout time.Duration) (*credential.TestOutcome, error) {
	timeout = e.ClampTimeout(timeout)
	attempt := helper.GenerateRequestID()

	record, err := e.store.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	logger := e.logger.WithFields(
		log.String("attempt", attempt),
		log.String("credential_id", record.ID),
		log.String("provider", record.ProviderTag),
	)

	if !record.IsActive() {
		outcome := failedOutcome("credential is disabled")
		logger.Info("validation skipped, credential inactive")
		return e.finish(ctx, ownerID, id, outcome)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	secret, err := e.barrier.Decrypt(ctx, record.SecretCiphertext, []byte(record.ID))
	if err != nil {
		var decryptErr *barrier.DecryptionError
		if !errors.As(err, &decryptErr) {
			return nil, err
		}
		logger.Error("stored secret failed at-rest decryption", log.Err(err))
		outcome := failedOutcome("stored secret could not be recovered")
		return e.finish(ctx, ownerID, id, outcome)
	}
	defer wipe(secret)

	a, ok := e.adapters.Get(record.ProviderTag)
	if !ok {
		outcome := failedOutcome(fmt.Sprintf("no adapter registered for provider %q", record.ProviderTag))
		return e.finish(ctx, ownerID, id, outcome)
	}

	cfg, err := adapter.DecodeEndpointConfig(map[string]any{
		"endpoint": record.Endpoint,
		"database": record.Database,
	})
	if err != nil {
		return nil, err
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := a.Validate(checkCtx, string(secret), cfg)
	elapsed := time.Since(start)

	// The caller walked away mid-check; record nothing.
	if ctx.Err() != nil {
		logger.Warn("validation abandoned by caller", log.Err(ctx.Err()))
		return nil, ctx.Err()
	}

	outcome := e.classify(result, err, timeout, elapsed)
	logger.Info("validation completed",
		log.Bool("success", outcome.Success),
		log.Int64("latency_ms", outcome.LatencyMS),
	)
	return e.finish(ctx, ownerID, id, outcome)
}

// classify folds the adapter's answer, a timeout, or a transport error
// into a single outcome.
func (e *Engine) classify(result *adapter.Outcome, err error, timeout, elapsed time.Duration) *credential.TestOutcome {
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		// Report the bound that was hit, not the measured overshoot.
		return &credential.TestOutcome{
			Message:   fmt.Sprintf("timeout after %s", timeout),
			LatencyMS: timeout.Milliseconds(),
			TestedAt:  time.Now().UTC(),
		}
	case err != nil:
		return &credential.TestOutcome{
			Message:   "connection failed: " + err.Error(),
			LatencyMS: elapsed.Milliseconds(),
			TestedAt:  time.Now().UTC(),
		}
	}

	return &credential.TestOutcome{
		Success:   result.Success,
		Message:   foldMessage(result),
		LatencyMS: elapsed.Milliseconds(),
		TestedAt:  time.Now().UTC(),
		Extra:     result.Extra,
	}
}

// finish persists the outcome. The write rides a non-cancellable
// context: once a check has concluded, its result lands whole or the
// record stays untouched, never in between.
func (e *Engine) finish(ctx context.Context, ownerID, id string, outcome *credential.TestOutcome) (*credential.TestOutcome, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	status := credential.TestFailure
	if outcome.Success {
		status = credential.TestSuccess
	}
	result := &credential.TestResult{
		Status:    status,
		Message:   outcome.Message,
		LatencyMS: outcome.LatencyMS,
		TestedAt:  outcome.TestedAt,
		RecordUse: outcome.Success,
	}

	if err := e.store.UpdateTestResult(context.WithoutCancel(ctx), ownerID, id, result); err != nil {
		return nil, err
	}
	return outcome, nil
}

func failedOutcome(message string) *credential.TestOutcome {
	return &credential.TestOutcome{
		Message:  message,
		TestedAt: time.Now().UTC(),
	}
}

// foldMessage appends adapter extras to the message so listings show
// them without a second lookup.
func foldMessage(result *adapter.Outcome) string {
	if len(result.Extra) == 0 {
		return result.Message
	}

	keys := make([]string, 0, len(result.Extra))
	for k := range result.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+result.Extra[k])
	}
	return result.Message + " (" + strings.Join(parts, ", ") + ")"
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
