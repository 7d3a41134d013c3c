package sync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/stamp"
	"github.com/njoerd114/flatsync/internal/tree"
)

const (
	otelScope   = "flatsync/sync"
	spanPass    = "sync.pass"
	metricPass  = "flatsync.sync.passes"
	metricError = "flatsync.sync.errors"

	// DefaultSyncInterval is the period of the consistency-check timer.
	DefaultSyncInterval = 30 * time.Second
)

// mustCounter creates a counter, falling back to a no-op instrument so
// callers never have to nil-check.
func mustCounter(meter metric.Meter, logger *slog.Logger, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Error("creating OTel counter", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

// EngineConfig configures an [Engine].
type EngineConfig struct {
	Database     string
	SyncInterval time.Duration
	CallTimeout  time.Duration

	// ChangeCheck gates the periodic timer. Returning false (offline,
	// unfocused) skips that tick. Nil means always check.
	ChangeCheck func() bool

	OnChange      func(Change)
	OnAuthFailure func(err error)
	OnFatal       func(addr model.Address, err error)
}

// Engine drives replay and consistency checks for one login session:
// resume the backlog, check every collection, then keep checking on a timer
// and on provider push hints. Create one with [NewEngine] and start it with
// [Engine.Run].
type Engine struct {
	replay  *Replayer
	checker *Checker
	store   StateStore
	session provider.Session
	mapper  tree.Mapper
	cfg     EngineConfig
	log     *slog.Logger

	tracer    trace.Tracer
	cntPasses metric.Int64Counter
	cntErrors metric.Int64Counter
}

// NewEngine wires a Replayer and Checker sharing one set of collection locks.
func NewEngine(store StateStore, session provider.Session, mapper tree.Mapper, native bool, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.ChangeCheck == nil {
		cfg.ChangeCheck = func() bool { return true }
	}
	if cfg.OnAuthFailure == nil {
		cfg.OnAuthFailure = func(error) {}
	}

	tracker := stamp.NewTracker(session, mapper, native)
	locks := newCollectionLocks()
	meter := otel.Meter(otelScope)

	return &Engine{
		replay: NewReplayer(store, session, mapper, tracker, locks, ReplayOptions{
			Database:      cfg.Database,
			CallTimeout:   cfg.CallTimeout,
			OnAuthFailure: cfg.OnAuthFailure,
			OnFatal:       cfg.OnFatal,
		}, logger),
		checker: NewChecker(store, session, mapper, tracker, locks, cfg.Database, cfg.OnChange, logger),
		store:   store,
		session: session,
		mapper:  mapper,
		cfg:     cfg,
		log:     logger,

		tracer:    otel.Tracer(otelScope),
		cntPasses: mustCounter(meter, logger, metricPass, "Consistency passes over the whole database"),
		cntErrors: mustCounter(meter, logger, metricError, "Consistency passes that ended in an error"),
	}
}

// Replayer exposes the session's replay engine.
func (e *Engine) Replayer() *Replayer { return e.replay }

// Checker exposes the session's consistency checker.
func (e *Engine) Checker() *Checker { return e.checker }

// Resume starts a replay worker for every collection with a backlog.
func (e *Engine) Resume(ctx context.Context) error {
	colls, err := e.store.PendingCollections(ctx, e.cfg.Database)
	if err != nil {
		return err
	}
	for _, c := range colls {
		e.log.Info("resuming replay backlog", "collection", c)
		e.replay.Kick(c)
	}
	return nil
}

// Check runs one consistency pass over the whole database.
func (e *Engine) Check(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, spanPass, trace.WithAttributes(
		attribute.String("flatsync.database", e.cfg.Database),
	))
	defer span.End()

	n, err := e.checker.CheckAll(ctx)
	e.cntPasses.Add(ctx, 1)
	span.SetAttributes(attribute.Int("flatsync.changes", n))
	if err != nil {
		e.cntErrors.Add(ctx, 1)
		span.RecordError(err)
	}
	return n, err
}

// Drain waits until every collection's current backlog is flushed. It
// returns the first halting error.
func (e *Engine) Drain(ctx context.Context) error {
	colls, err := e.store.PendingCollections(ctx, e.cfg.Database)
	if err != nil {
		return err
	}
	var firstErr error
	for _, c := range colls {
		if err := e.replay.Flush(ctx, c); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrReplayStopped) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RunOnce replays the backlog to completion and then performs a single
// consistency pass.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	if err := e.Resume(ctx); err != nil {
		return 0, err
	}
	if err := e.Drain(ctx); err != nil {
		return 0, err
	}
	return e.Check(ctx)
}

// Run resumes replay, runs an immediate consistency pass, and then checks on
// every tick and every provider hint. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Resume(ctx); err != nil {
		e.log.Error("resuming replay failed", "error", err)
	}

	if w, ok := e.session.(provider.Watcher); ok {
		go func() {
			err := w.Watch(ctx, func(p []string) { e.hint(ctx, p) })
			switch {
			case err == nil || ctx.Err() != nil:
			case errors.Is(err, provider.ErrUnsupported):
				e.log.Debug("remote watcher unavailable, polling only", "error", err)
			default:
				e.log.Error("remote watcher ended unexpectedly", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	if _, err := e.Check(ctx); err != nil && ctx.Err() == nil {
		e.log.Error("initial consistency check failed", "error", err)
		e.checkFailed(err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if !e.cfg.ChangeCheck() {
				e.log.Debug("change check suppressed")
				continue
			}
			if _, err := e.Check(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("consistency check failed", "error", err)
				e.checkFailed(err)
			}
		}
	}
}

// checkFailed escalates a rejected credential seen by the checker the same
// way replay does.
func (e *Engine) checkFailed(err error) {
	if errors.Is(err, provider.ErrAuth) {
		e.cfg.OnAuthFailure(err)
	}
}

// hint reacts to a provider push notification for a remote path.
func (e *Engine) hint(ctx context.Context, p []string) {
	if n := len(p); n > 0 && (p[n-1] == tree.StampFile || strings.HasPrefix(p[n-1], model.TempPrefix)) {
		p = p[:n-1]
	}
	if len(p) > 3 {
		// An item changed; check its collection.
		p = p[:3]
	}
	addr, err := e.mapper.FromPath(p)
	if err != nil {
		return
	}
	if addr.Database != e.cfg.Database {
		return
	}
	if addr.Collection == "" {
		if _, err := e.Check(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("hint-triggered check failed", "error", err)
			e.checkFailed(err)
		}
		return
	}
	if _, err := e.checker.CheckCollection(ctx, addr.Collection); err != nil && ctx.Err() == nil {
		e.log.Error("hint-triggered check failed", "collection", addr.Collection, "error", err)
		e.checkFailed(err)
	}
}

// Stop halts replay at the next safe point.
func (e *Engine) Stop() {
	e.replay.Stop()
}
