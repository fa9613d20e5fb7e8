// Package sync implements the mailbox synchronization engine: folder scans
// into the Server Mirror, delta planning, message fetches, reconciliation of
// local records against the mirror, thread resolution and server mutations.
package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/circuitbreaker"
	"github.com/ternmail/tern/remote"
)

// SessionFactory opens an authenticated session for one account. The engine
// never caches sessions; every pass gets a fresh connection.
type SessionFactory func(ctx context.Context, accountID int64) (remote.Session, error)

// Engine drives synchronization for a set of accounts. One engine instance
// owns its account cache and per-account circuit breakers; nothing here is
// process-global.
type Engine struct {
	db       *db.Database
	cfg      config.SyncConfig
	accounts *AccountCache
	fetcher  FetchExecutor
	dial     SessionFactory

	breakers *breakerSet
}

// EngineOptions collects the engine's collaborators. Dial is optional and
// defaults to the IMAP client; tests inject fakes through it.
type EngineOptions struct {
	Database *db.Database
	Config   config.SyncConfig
	Accounts *AccountCache
	Fetcher  FetchExecutor
	Dial     SessionFactory
}

// NewEngine wires an engine from its options.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Database == nil {
		return nil, fmt.Errorf("engine: database is required")
	}
	if opts.Accounts == nil {
		return nil, fmt.Errorf("engine: account cache is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("engine: fetch executor is required")
	}

	e := &Engine{
		db:       opts.Database,
		cfg:      opts.Config,
		accounts: opts.Accounts,
		fetcher:  opts.Fetcher,
		dial:     opts.Dial,
		breakers: newBreakerSet(),
	}
	if e.cfg.FetchConcurrency <= 0 {
		e.cfg.FetchConcurrency = 8
	}
	if e.dial == nil {
		e.dial = e.dialIMAP
	}
	return e, nil
}

// Accounts exposes the engine's account cache, for invalidation on
// configuration reload.
func (e *Engine) Accounts() *AccountCache {
	return e.accounts
}

func (e *Engine) dialIMAP(ctx context.Context, accountID int64) (remote.Session, error) {
	account, err := e.accounts.Get(accountID)
	if err != nil {
		return nil, err
	}
	return remote.Dial(ctx, account, remote.DialOptions{
		FetchBatchSize: e.cfg.FetchBatchSize,
		Breaker:        e.breakers.forAccount(accountID),
	})
}

// CycleStats aggregates one full synchronization cycle for one account.
type CycleStats struct {
	RunID     string
	Scan      *ScanStats
	Fetch     *FetchStats
	Reconcile *ReconcileStats
	Threads   int
	Errors    []string
}

// SyncAccount runs one full cycle for an account in the required order: scan
// the server into the mirror, plan the fetch delta, materialize it, reconcile
// local records, resolve threads. Later phases always run against the state
// the earlier ones produced; a phase that fails outright ends the cycle
// because everything after it would operate on stale truth.
func (e *Engine) SyncAccount(ctx context.Context, accountID int64) (*CycleStats, error) {
	started := time.Now()
	stats := &CycleStats{RunID: uuid.NewString()}

	// Later phases must see the rows earlier phases just wrote, so the whole
	// cycle reads from the primary instead of a possibly lagging replica.
	ctx = context.WithValue(ctx, consts.UseMasterDBKey, true)

	scan, err := e.SyncFolderState(ctx, accountID, nil)
	stats.Scan = scan
	if scan != nil {
		stats.Errors = append(stats.Errors, scan.Errors...)
	}
	e.recordRun(ctx, accountID, stats, "scan", started)
	if err != nil {
		return stats, fmt.Errorf("scan: %w", err)
	}

	delta, err := e.ComputeFetchDelta(ctx, accountID, FetchFilters{
		IncludeFolders: e.cfg.IncludeFolders,
		ExcludeFolders: e.cfg.ExcludeFolders,
	})
	if err != nil {
		return stats, fmt.Errorf("delta: %w", err)
	}

	if len(delta) > 0 {
		fetch, err := e.FetchDelta(ctx, accountID, delta)
		stats.Fetch = fetch
		if fetch != nil {
			stats.Errors = append(stats.Errors, fetch.Errors...)
		}
		e.recordRun(ctx, accountID, stats, "fetch", started)
		if err != nil {
			return stats, fmt.Errorf("fetch: %w", err)
		}
	}

	reconcile, err := e.Reconcile(ctx, accountID)
	stats.Reconcile = reconcile
	if reconcile != nil {
		stats.Errors = append(stats.Errors, reconcile.Errors...)
	}
	if err != nil {
		return stats, fmt.Errorf("reconcile: %w", err)
	}

	threads, err := e.ResolveThreads(ctx, accountID)
	if err != nil {
		return stats, fmt.Errorf("threads: %w", err)
	}
	stats.Threads = len(threads)

	e.recordRun(ctx, accountID, stats, "complete", started)
	logger.InfoContext(ctx, "Sync: account cycle complete",
		"account_id", accountID, "run_id", stats.RunID,
		"elapsed", time.Since(started), "errors", len(stats.Errors))
	return stats, nil
}

// recordRun persists run bookkeeping. Best effort: a bookkeeping failure is
// logged, never fails the cycle.
func (e *Engine) recordRun(ctx context.Context, accountID int64, stats *CycleStats, phase string, started time.Time) {
	run := &db.SyncRun{
		RunID:     stats.RunID,
		AccountID: accountID,
		Phase:     phase,
		StartedAt: started,
		Errors:    stats.Errors,
	}
	if stats.Scan != nil {
		run.Scanned = stats.Scan.Scanned
		run.OnServer = stats.Scan.OnServer
		run.Inserted = stats.Scan.Inserted
		run.Removed = stats.Scan.Removed
	}
	if err := e.db.InsertSyncRun(ctx, run); err != nil {
		logger.WarnContext(ctx, "Sync: failed to record run",
			"account_id", accountID, "run_id", stats.RunID, "phase", phase, "error", err)
	}
}

// SyncAll cycles every account in turn. Each cycle is bounded by the sync
// interval so a hung account cannot bleed into the next tick, and one
// account's failure never blocks another's.
func (e *Engine) SyncAll(ctx context.Context, accountIDs []int64) map[int64]*CycleStats {
	timeout, err := e.cfg.GetInterval()
	if err != nil || timeout <= 0 {
		timeout = 5 * time.Minute
	}

	results := make(map[int64]*CycleStats, len(accountIDs))
	for _, accountID := range accountIDs {
		if ctx.Err() != nil {
			break
		}

		accountCtx, cancel := context.WithTimeout(ctx, timeout)
		stats, err := e.SyncAccount(accountCtx, accountID)
		cancel()

		results[accountID] = stats
		if err != nil {
			logger.ErrorContext(ctx, "Sync: account cycle failed",
				"account_id", accountID, "error", err)
		}
	}
	return results
}

// breakerSet holds one circuit breaker per account, created lazily. Breakers
// outlive sessions: a server that refuses connections trips its breaker once
// and subsequent cycles skip it until the probe window.
type breakerSet struct {
	mu       stdsync.Mutex
	breakers map[int64]*circuitbreaker.CircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[int64]*circuitbreaker.CircuitBreaker)}
}

func (s *breakerSet) forAccount(accountID int64) *circuitbreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[accountID]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.Settings{
			Name:    fmt.Sprintf("imap-account-%d", accountID),
			Timeout: 2 * time.Minute,
		})
		s.breakers[accountID] = cb
	}
	return cb
}
