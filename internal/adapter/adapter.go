// Package adapter is the application-facing facade of flatsync. An [Adapter]
// exposes a key/value store per collection backed by the local SQLite copy,
// queues every mutation for remote replay, and runs the login lifecycle that
// starts and stops the sync engine.
//
// One Adapter serves one database. Several adapters may run side by side on
// the same state store for different databases.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/state"
	flatsync "github.com/njoerd114/flatsync/internal/sync"
	"github.com/njoerd114/flatsync/internal/tree"
)

var (
	// ErrNotLoggedIn is returned by operations that need a live session.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrInvalidValue is returned when an item value is not a JSON document.
	ErrInvalidValue = errors.New("value is not valid JSON")

	// ErrClosed is returned after [Adapter.Close].
	ErrClosed = errors.New("adapter closed")
)

// AuthState is a position in the login lifecycle.
type AuthState int

const (
	LoggedOut AuthState = iota
	Authenticating
	LoggedIn
)

func (s AuthState) String() string {
	switch s {
	case LoggedOut:
		return "logged out"
	case Authenticating:
		return "authenticating"
	case LoggedIn:
		return "logged in"
	}
	return fmt.Sprintf("AuthState(%d)", int(s))
}

// Config is supplied once at construction and never changes afterwards.
type Config struct {
	Provider provider.Kind
	Token    string
	Database string

	// AppRoot is the top-level remote folder. Defaults to "flatsync".
	AppRoot string

	SyncInterval time.Duration

	// ChangeCheck gates the periodic consistency check; return false while
	// offline or unfocused.
	ChangeCheck func() bool

	// AlwaysWaitForSync makes mutations block until their history item has
	// been replayed, when logged in.
	AlwaysWaitForSync bool

	CallTimeout time.Duration

	// ProviderOptions is passed to [provider.New].
	ProviderOptions provider.Options
}

// DefaultAppRoot is used when Config.AppRoot is empty.
const DefaultAppRoot = "flatsync"

// Option customises an Adapter.
type Option func(*Adapter)

// WithProvider supplies a ready provider instead of building one from
// Config.Provider.
func WithProvider(p provider.Provider) Option {
	return func(a *Adapter) { a.prov = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// Adapter is the sync facade for one database. All methods are safe for
// concurrent use.
type Adapter struct {
	cfg    Config
	store  *state.Store
	prov   provider.Provider
	mapper tree.Mapper
	log    *slog.Logger
	events *dispatcher

	mu        sync.Mutex
	state     AuthState
	token     string
	gen       uint64 // bumped on every logout; stale logins are discarded
	session   *session
	authUnsub func()
	closed    bool
}

// session is one successful login: a provider session plus the engine
// running against it.
type session struct {
	id     string
	engine *flatsync.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Adapter over store. The caller keeps ownership of store.
func New(cfg Config, store *state.Store, opts ...Option) (*Adapter, error) {
	if err := model.ValidateSegment(cfg.Database); err != nil {
		return nil, fmt.Errorf("%w: database: %v", model.ErrInvalidAddress, err)
	}
	if cfg.AppRoot == "" {
		cfg.AppRoot = DefaultAppRoot
	}
	mapper, err := tree.New(cfg.AppRoot)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:    cfg,
		store:  store,
		mapper: mapper,
		token:  cfg.Token,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("database", cfg.Database)

	if a.prov == nil {
		po := cfg.ProviderOptions
		if po.Logger == nil {
			po.Logger = a.log
		}
		a.prov, err = provider.New(cfg.Provider, po)
		if err != nil {
			return nil, err
		}
	}

	a.events = newDispatcher(a.log)
	return a, nil
}

// --- Key/value surface -------------------------------------------------------

func (a *Adapter) itemAddr(coll, key string) (model.Address, error) {
	addr := model.ItemAddress(a.cfg.Database, coll, key)
	return addr, addr.Validate()
}

func (a *Adapter) collAddr(coll string) (model.Address, error) {
	addr := model.CollectionAddress(a.cfg.Database, coll)
	return addr, addr.Validate()
}

// GetItem returns the locally cached value of key, or ok=false.
func (a *Adapter) GetItem(ctx context.Context, coll, key string) (value json.RawMessage, ok bool, err error) {
	if _, err := a.itemAddr(coll, key); err != nil {
		return nil, false, err
	}
	return a.store.Get(ctx, a.cfg.Database, coll, key)
}

// SetItem stores value under key and queues the write for replay.
func (a *Adapter) SetItem(ctx context.Context, coll, key string, value json.RawMessage) error {
	if _, err := a.itemAddr(coll, key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("setting %s/%s: %w", coll, key, ErrInvalidValue)
	}
	return a.mutate(ctx, coll, model.SetItem{Key: key, Value: value})
}

// RemoveItem deletes key and queues the removal for replay.
func (a *Adapter) RemoveItem(ctx context.Context, coll, key string) error {
	if _, err := a.itemAddr(coll, key); err != nil {
		return err
	}
	return a.mutate(ctx, coll, model.RemoveItem{Key: key})
}

// Clear deletes every item of coll and queues the clear for replay.
func (a *Adapter) Clear(ctx context.Context, coll string) error {
	if _, err := a.collAddr(coll); err != nil {
		return err
	}
	return a.mutate(ctx, coll, model.Clear{})
}

// Length returns the number of items in coll.
func (a *Adapter) Length(ctx context.Context, coll string) (int, error) {
	if _, err := a.collAddr(coll); err != nil {
		return 0, err
	}
	return a.store.Len(ctx, a.cfg.Database, coll)
}

// Key returns the n-th key of coll in ascending order.
func (a *Adapter) Key(ctx context.Context, coll string, n int) (string, bool, error) {
	if _, err := a.collAddr(coll); err != nil {
		return "", false, err
	}
	return a.store.Key(ctx, a.cfg.Database, coll, n)
}

// Keys returns every key of coll in ascending order.
func (a *Adapter) Keys(ctx context.Context, coll string) ([]string, error) {
	if _, err := a.collAddr(coll); err != nil {
		return nil, err
	}
	return a.store.Keys(ctx, a.cfg.Database, coll)
}

// Iterate calls fn for each item of coll in key order until fn returns false.
func (a *Adapter) Iterate(ctx context.Context, coll string, fn func(key string, value json.RawMessage) bool) error {
	if _, err := a.collAddr(coll); err != nil {
		return err
	}
	return a.store.Iterate(ctx, a.cfg.Database, coll, fn)
}

// mutate applies op locally, appends it to the history log and hands it to
// replay. A local failure is returned as is and nothing is queued.
func (a *Adapter) mutate(ctx context.Context, coll string, op model.Op) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.mu.Unlock()

	item, err := a.store.Mutate(ctx, a.cfg.Database, coll, op)
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", op.Kind(), coll, model.OpKey(op), err)
	}

	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		// Offline: the item waits in the log for the next login.
		return nil
	}

	r := s.engine.Replayer()
	r.Kick(coll)
	if !a.cfg.AlwaysWaitForSync {
		return nil
	}
	err = r.Wait(ctx, item)
	if errors.Is(err, flatsync.ErrReplayStopped) {
		// Logged out meanwhile; the item is still queued.
		return nil
	}
	return err
}

// --- Login lifecycle ---------------------------------------------------------

// SetToken replaces the credential used by the next Login. A running session
// is not affected.
func (a *Adapter) SetToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

// State returns the current login state.
func (a *Adapter) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsLoggedIn reports whether a session is live.
func (a *Adapter) IsLoggedIn() bool {
	return a.State() == LoggedIn
}

// SessionID returns the id of the live session, or "".
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return ""
	}
	return a.session.id
}

// SetOnAuthChange registers fn to be called with every login state change,
// replacing any earlier callback. Nil removes it.
func (a *Adapter) SetOnAuthChange(fn func(loggedIn bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.authUnsub != nil {
		a.authUnsub()
		a.authUnsub = nil
	}
	if fn == nil {
		return
	}
	a.authUnsub = a.events.subscribe(func(ev Event) {
		if c, ok := ev.(AuthStatusChange); ok {
			fn(c.LoggedIn)
		}
	})
}

// Subscribe registers fn for every event. Events are delivered one at a
// time from a single goroutine in the order they were detected; fn must
// not call Close.
func (a *Adapter) Subscribe(fn func(Event)) (unsubscribe func()) {
	return a.events.subscribe(fn)
}

// Login exchanges the current token for a session, then starts the sync
// engine: the pending backlog resumes and the remote-changes listener runs.
// A rejected token leaves the adapter logged out and emits AuthError.
func (a *Adapter) Login(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return ErrClosed
	case a.state == LoggedIn:
		a.mu.Unlock()
		return nil
	case a.state == Authenticating:
		a.mu.Unlock()
		return errors.New("login already in progress")
	}
	a.state = Authenticating
	gen := a.gen
	token := a.token
	a.mu.Unlock()

	a.log.Info("logging in", "provider", a.prov.Kind())
	ps, err := a.prov.Authenticate(ctx, token)
	if err != nil {
		a.mu.Lock()
		if a.gen == gen {
			a.state = LoggedOut
		}
		a.mu.Unlock()
		a.log.Warn("login failed", "error", err)
		a.events.publish(AuthError{Cause: err})
		return fmt.Errorf("logging in to %s: %w", a.prov.Kind(), err)
	}

	a.mu.Lock()
	if a.gen != gen || a.closed {
		// Logged out while authenticating.
		a.mu.Unlock()
		return ErrNotLoggedIn
	}
	s := a.startSession(ps)
	a.session = s
	a.state = LoggedIn
	a.mu.Unlock()

	a.log.Info("logged in", "session", s.id)
	a.events.publish(AuthStatusChange{LoggedIn: true})
	return nil
}

// startSession builds the engine for ps and runs it until the session ends.
// Called with a.mu held.
func (a *Adapter) startSession(ps provider.Session) *session {
	id := uuid.NewString()
	log := a.log.With("session", id)

	eng := flatsync.NewEngine(a.store, ps, a.mapper, a.prov.TrustsModTime(), flatsync.EngineConfig{
		Database:     a.cfg.Database,
		SyncInterval: a.cfg.SyncInterval,
		CallTimeout:  a.cfg.CallTimeout,
		ChangeCheck:  a.cfg.ChangeCheck,
		OnChange: func(c flatsync.Change) {
			a.events.publish(Change{Address: c.Address, Value: c.Value, Removed: c.Removed})
		},
		OnAuthFailure: func(err error) {
			// Called from engine goroutines; revoking waits for them.
			go a.revoke(id, err)
		},
		OnFatal: func(addr model.Address, err error) {
			a.events.publish(SyncFatal{Address: addr, Cause: err})
		},
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{id: id, engine: eng, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		_ = eng.Run(ctx)
	}()
	return s
}

func (s *session) stop() {
	s.cancel()
	s.engine.Stop()
	<-s.done
}

// Logout ends the session. Replay halts at the next safe point; queued
// history is kept for the next login.
func (a *Adapter) Logout(ctx context.Context) error {
	a.mu.Lock()
	s := a.session
	wasIn := a.state == LoggedIn
	a.session = nil
	a.state = LoggedOut
	a.gen++
	a.mu.Unlock()

	if s != nil {
		s.stop()
		a.log.Info("logged out", "session", s.id)
	}
	if wasIn {
		a.events.publish(AuthStatusChange{LoggedIn: false})
	}
	return ctx.Err()
}

// revoke handles a credential rejected during session id.
func (a *Adapter) revoke(id string, cause error) {
	a.mu.Lock()
	s := a.session
	if s == nil || s.id != id {
		a.mu.Unlock()
		return
	}
	a.session = nil
	a.state = LoggedOut
	a.gen++
	a.mu.Unlock()

	s.stop()
	a.log.Warn("session credentials rejected, logged out", "session", id, "error", cause)
	a.events.publish(AuthError{Cause: cause})
	a.events.publish(AuthStatusChange{LoggedIn: false})
}

// InitRemoteChangesListener runs one consistency pass over every known
// collection, as after startup or a reconnect. The periodic listener
// itself starts with Login.
func (a *Adapter) InitRemoteChangesListener(ctx context.Context) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return ErrNotLoggedIn
	}
	_, err := s.engine.Check(ctx)
	return err
}

// Sync flushes the pending backlog and runs one consistency pass.
func (a *Adapter) Sync(ctx context.Context) (changes int, err error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return 0, ErrNotLoggedIn
	}
	return s.engine.RunOnce(ctx)
}

// Bootstrap runs the first-sync merge for a database that was never synced
// from this store: it shows what exists on each side and, after
// confirmation on r, queues local-only items for upload. It authenticates
// separately and does not log in.
func (a *Adapter) Bootstrap(ctx context.Context, r io.Reader, w io.Writer) (bool, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	ps, err := a.prov.Authenticate(ctx, token)
	if err != nil {
		return false, fmt.Errorf("logging in to %s: %w", a.prov.Kind(), err)
	}
	return flatsync.NewBootstrap(a.store, ps, a.mapper, a.cfg.Database, a.log, r, w).Run(ctx)
}

// Pending returns the number of history items awaiting replay.
func (a *Adapter) Pending(ctx context.Context) (int, error) {
	return a.store.PendingCount(ctx, a.cfg.Database)
}

// Close logs out and stops event delivery after flushing queued events.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	err := a.Logout(context.Background())
	a.events.close()
	return err
}
