package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/state"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Fake provider -----------------------------------------------------------

// fakeProvider wraps a Local provider on an in-memory filesystem and can
// reject tokens or revoke a live session.
type fakeProvider struct {
	inner   provider.Provider
	fs      afero.Fs
	revoked atomic.Bool
	logins  atomic.Int32
}

func newFakeProvider() *fakeProvider {
	fs := afero.NewMemMapFs()
	return &fakeProvider{inner: provider.NewLocal(fs, "/remote", nil, testLogger), fs: fs}
}

func (p *fakeProvider) Kind() provider.Kind  { return provider.KindLocal }
func (p *fakeProvider) TrustsModTime() bool { return true }

func (p *fakeProvider) Authenticate(ctx context.Context, token string) (provider.Session, error) {
	p.logins.Add(1)
	if token != "good" {
		return nil, fmt.Errorf("token %q: %w", token, provider.ErrAuth)
	}
	p.revoked.Store(false)
	s, err := p.inner.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return &revocableSession{Session: s, p: p}, nil
}

type revocableSession struct {
	provider.Session
	p *fakeProvider
}

func (s *revocableSession) WriteBlob(ctx context.Context, path []string, data []byte) error {
	if s.p.revoked.Load() {
		return provider.ErrAuth
	}
	return s.Session.WriteBlob(ctx, path, data)
}

func (s *revocableSession) DeleteBlob(ctx context.Context, path []string) error {
	if s.p.revoked.Load() {
		return provider.ErrAuth
	}
	return s.Session.DeleteBlob(ctx, path)
}

func (p *fakeProvider) blob(t *testing.T, path string) (string, bool) {
	t.Helper()
	b, err := afero.ReadFile(p.fs, filepath.Join("/remote", path))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// --- Event recorder ----------------------------------------------------------

type recorder struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func newRecorder(a *Adapter) *recorder {
	r := &recorder{signal: make(chan struct{}, 64)}
	a.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.signal <- struct{}{}:
		default:
		}
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// waitFor blocks until pred holds for the recorded events.
func (r *recorder) waitFor(t *testing.T, what string, pred func([]Event) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if pred(r.all()) {
			return
		}
		select {
		case <-r.signal:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s; events: %+v", what, r.all())
		}
	}
}

// --- Helpers -----------------------------------------------------------------

func newTestAdapter(t *testing.T, p provider.Provider, mutate func(*Config)) *Adapter {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{
		Provider:     provider.KindLocal,
		Token:        "good",
		Database:     "app",
		AppRoot:      "root",
		SyncInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg, store, WithProvider(p), WithLogger(testLogger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func waitPending(t *testing.T, a *Adapter, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := a.Pending(context.Background())
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if n == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want %d", n, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- Tests -------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	if _, err := New(Config{Database: "a/b"}, store, WithProvider(newFakeProvider())); !errors.Is(err, model.ErrInvalidAddress) {
		t.Errorf("bad database: %v, want ErrInvalidAddress", err)
	}
	if _, err := New(Config{Database: "db", AppRoot: ".."}, store, WithProvider(newFakeProvider())); !errors.Is(err, model.ErrInvalidAddress) {
		t.Errorf("bad app root: %v, want ErrInvalidAddress", err)
	}
	if _, err := New(Config{Database: "db", Provider: "ftp"}, store); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestKV_OfflineOperations(t *testing.T) {
	a := newTestAdapter(t, newFakeProvider(), nil)
	ctx := context.Background()

	if err := a.SetItem(ctx, "tasks", "b", json.RawMessage(`2`)); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := a.SetItem(ctx, "tasks", "a", json.RawMessage(`{"title":"x"}`)); err != nil {
		t.Fatalf("SetItem: %v", err)
	}

	v, ok, err := a.GetItem(ctx, "tasks", "a")
	if err != nil || !ok || string(v) != `{"title":"x"}` {
		t.Errorf("GetItem = %s, %v, %v", v, ok, err)
	}
	if n, _ := a.Length(ctx, "tasks"); n != 2 {
		t.Errorf("Length = %d, want 2", n)
	}
	if k, ok, _ := a.Key(ctx, "tasks", 0); !ok || k != "a" {
		t.Errorf("Key(0) = %q, %v", k, ok)
	}
	keys, _ := a.Keys(ctx, "tasks")
	if !slices.Equal(keys, []string{"a", "b"}) {
		t.Errorf("Keys = %v", keys)
	}

	var seen []string
	_ = a.Iterate(ctx, "tasks", func(k string, _ json.RawMessage) bool {
		seen = append(seen, k)
		return true
	})
	if !slices.Equal(seen, []string{"a", "b"}) {
		t.Errorf("Iterate visited %v", seen)
	}

	if err := a.RemoveItem(ctx, "tasks", "b"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if err := a.Clear(ctx, "tasks"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := a.Length(ctx, "tasks"); n != 0 {
		t.Errorf("Length after Clear = %d", n)
	}
	if n, _ := a.Pending(ctx); n != 4 {
		t.Errorf("Pending = %d, want 4 queued while offline", n)
	}
}

func TestKV_InvalidInputNeverQueued(t *testing.T) {
	a := newTestAdapter(t, newFakeProvider(), nil)
	ctx := context.Background()

	if err := a.SetItem(ctx, "tasks", "a/b", json.RawMessage(`1`)); !errors.Is(err, model.ErrInvalidAddress) {
		t.Errorf("SetItem bad key = %v, want ErrInvalidAddress", err)
	}
	if err := a.SetItem(ctx, "", "a", json.RawMessage(`1`)); !errors.Is(err, model.ErrInvalidAddress) {
		t.Errorf("SetItem empty collection = %v, want ErrInvalidAddress", err)
	}
	if err := a.SetItem(ctx, "tasks", "a", json.RawMessage(`{oops`)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("SetItem bad JSON = %v, want ErrInvalidValue", err)
	}
	if err := a.Clear(ctx, ".."); !errors.Is(err, model.ErrInvalidAddress) {
		t.Errorf("Clear .. = %v, want ErrInvalidAddress", err)
	}
	// The database marker lives at <root>/<db>/changed.stamp.
	if err := a.SetItem(ctx, model.MarkerName, "a", json.RawMessage(`1`)); !errors.Is(err, model.ErrInvalidAddress) {
		t.Errorf("SetItem in marker collection = %v, want ErrInvalidAddress", err)
	}
	if err := a.SetItem(ctx, "tasks", model.TempPrefix+"a", json.RawMessage(`1`)); !errors.Is(err, model.ErrInvalidAddress) {
		t.Errorf("SetItem temp-prefixed key = %v, want ErrInvalidAddress", err)
	}
	if n, _ := a.Pending(ctx); n != 0 {
		t.Errorf("Pending = %d, invalid calls must not be queued", n)
	}
}

func TestLogin_StateMachine(t *testing.T) {
	p := newFakeProvider()
	a := newTestAdapter(t, p, func(c *Config) { c.Token = "bad" })
	rec := newRecorder(a)
	ctx := context.Background()

	var authChanges []bool
	var mu sync.Mutex
	a.SetOnAuthChange(func(in bool) {
		mu.Lock()
		authChanges = append(authChanges, in)
		mu.Unlock()
	})

	if a.State() != LoggedOut {
		t.Fatalf("initial state = %v", a.State())
	}

	err := a.Login(ctx)
	if !errors.Is(err, provider.ErrAuth) {
		t.Fatalf("Login with bad token = %v, want ErrAuth", err)
	}
	if a.IsLoggedIn() {
		t.Error("must stay logged out after a rejected token")
	}
	rec.waitFor(t, "AuthError", func(evs []Event) bool {
		return len(evs) == 1 && isAuthError(evs[0])
	})

	a.SetToken("good")
	if err := a.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !a.IsLoggedIn() || a.SessionID() == "" {
		t.Errorf("state = %v, session %q", a.State(), a.SessionID())
	}
	// A second Login while logged in is a no-op.
	if err := a.Login(ctx); err != nil {
		t.Errorf("repeat Login: %v", err)
	}
	if got := p.logins.Load(); got != 2 {
		t.Errorf("Authenticate called %d times, want 2", got)
	}

	if err := a.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if a.State() != LoggedOut || a.SessionID() != "" {
		t.Errorf("after Logout: state %v session %q", a.State(), a.SessionID())
	}

	rec.waitFor(t, "login and logout status changes", func(evs []Event) bool {
		var got []bool
		for _, ev := range evs {
			if c, ok := ev.(AuthStatusChange); ok {
				got = append(got, c.LoggedIn)
			}
		}
		return slices.Equal(got, []bool{true, false})
	})

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(authChanges, []bool{true, false}) {
		t.Errorf("OnAuthChange calls = %v, want [true false]", authChanges)
	}
}

func isAuthError(ev Event) bool {
	e, ok := ev.(AuthError)
	return ok && errors.Is(e.Cause, provider.ErrAuth)
}

func TestSync_OfflineWritesReplayOnLogin(t *testing.T) {
	p := newFakeProvider()
	a := newTestAdapter(t, p, nil)
	ctx := context.Background()

	if err := a.SetItem(ctx, "tasks", "abc", json.RawMessage(`{"title":"x"}`)); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.blob(t, "root/app/tasks/abc.json"); ok {
		t.Fatal("blob written while offline")
	}

	if err := a.Login(ctx); err != nil {
		t.Fatal(err)
	}
	waitPending(t, a, 0)

	if got, ok := p.blob(t, "root/app/tasks/abc.json"); !ok || got != `{"title":"x"}` {
		t.Errorf("remote blob = %q, %v", got, ok)
	}
}

func TestSync_AlwaysWaitForSync(t *testing.T) {
	p := newFakeProvider()
	a := newTestAdapter(t, p, func(c *Config) { c.AlwaysWaitForSync = true })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Offline the call returns at once with the write queued.
	if err := a.SetItem(ctx, "tasks", "offline", json.RawMessage(`1`)); err != nil {
		t.Fatalf("offline SetItem: %v", err)
	}

	if err := a.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.SetItem(ctx, "tasks", "online", json.RawMessage(`2`)); err != nil {
		t.Fatalf("online SetItem: %v", err)
	}
	// The call returned only after replay, so the blob is already there.
	if got, ok := p.blob(t, "root/app/tasks/online.json"); !ok || got != `2` {
		t.Errorf("remote blob after waited SetItem = %q, %v", got, ok)
	}
}

func TestSync_ExternalChangeEmitsChangeOnce(t *testing.T) {
	p := newFakeProvider()
	a := newTestAdapter(t, p, nil)
	rec := newRecorder(a)
	ctx := context.Background()

	if err := a.Login(ctx); err != nil {
		t.Fatal(err)
	}

	// Another device writes a project.
	path := filepath.Join("/remote", "root", "app", "projects", "p1.json")
	if err := p.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(p.fs, path, []byte(`{"v":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	_ = p.fs.Chtimes(path, future, future)
	_ = p.fs.Chtimes(filepath.Dir(path), future, future)

	if err := a.InitRemoteChangesListener(ctx); err != nil {
		t.Fatalf("InitRemoteChangesListener: %v", err)
	}
	if err := a.InitRemoteChangesListener(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	rec.waitFor(t, "Change for p1", func(evs []Event) bool {
		for _, ev := range evs {
			if c, ok := ev.(Change); ok && c.Address.Item == "p1" {
				return true
			}
		}
		return false
	})

	// Let the dispatcher settle, then make sure it fired exactly once.
	time.Sleep(50 * time.Millisecond)
	n := 0
	for _, ev := range rec.all() {
		if c, ok := ev.(Change); ok && c.Address.Item == "p1" {
			n++
			if string(c.Value) != `{"v":1}` {
				t.Errorf("Change value = %s", c.Value)
			}
		}
	}
	if n != 1 {
		t.Errorf("Change for p1 fired %d times, want 1", n)
	}

	v, ok, _ := a.GetItem(ctx, "projects", "p1")
	if !ok || string(v) != `{"v":1}` {
		t.Errorf("local p1 = %s, %v", v, ok)
	}
}

func TestSync_RevokedTokenMidReplay(t *testing.T) {
	p := newFakeProvider()
	a := newTestAdapter(t, p, nil)
	rec := newRecorder(a)
	ctx := context.Background()

	if err := a.Login(ctx); err != nil {
		t.Fatal(err)
	}
	p.revoked.Store(true)

	for i := range 3 {
		if err := a.SetItem(ctx, "tasks", fmt.Sprintf("k%d", i), json.RawMessage(`1`)); err != nil {
			t.Fatalf("SetItem: %v", err)
		}
	}

	rec.waitFor(t, "AuthError and logout", func(evs []Event) bool {
		sawErr := false
		for _, ev := range evs {
			if isAuthError(ev) {
				sawErr = true
			}
			if c, ok := ev.(AuthStatusChange); ok && !c.LoggedIn && sawErr {
				return true
			}
		}
		return false
	})
	if a.IsLoggedIn() {
		t.Error("adapter should be logged out after revocation")
	}
	if n, _ := a.Pending(ctx); n != 3 {
		t.Errorf("Pending = %d, want 3 preserved", n)
	}

	// Local operations keep working offline.
	if err := a.SetItem(ctx, "tasks", "k3", json.RawMessage(`1`)); err != nil {
		t.Fatalf("offline SetItem: %v", err)
	}

	if err := a.Login(ctx); err != nil {
		t.Fatalf("re-login: %v", err)
	}
	waitPending(t, a, 0)
	for i := range 4 {
		if _, ok := p.blob(t, fmt.Sprintf("root/app/tasks/k%d.json", i)); !ok {
			t.Errorf("k%d not replayed", i)
		}
	}
}

func TestClose_RejectsFurtherMutations(t *testing.T) {
	a := newTestAdapter(t, newFakeProvider(), nil)
	ctx := context.Background()
	if err := a.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.IsLoggedIn() {
		t.Error("Close should log out")
	}
	if err := a.SetItem(ctx, "tasks", "a", json.RawMessage(`1`)); !errors.Is(err, ErrClosed) {
		t.Errorf("SetItem after Close = %v, want ErrClosed", err)
	}
	if err := a.Login(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Login after Close = %v, want ErrClosed", err)
	}
}

func TestBootstrap_QueuesLocalOnlyItems(t *testing.T) {
	p := newFakeProvider()
	a := newTestAdapter(t, p, nil)
	ctx := context.Background()

	// Present locally but never queued, e.g. restored from a backup.
	if _, err := a.store.ApplyRemote(ctx, model.ItemAddress("app", "tasks", "a"), json.RawMessage(`1`), false); err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	ran, err := a.Bootstrap(ctx, strings.NewReader("y\n"), &out)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !ran {
		t.Fatalf("Bootstrap skipped; output:\n%s", out.String())
	}
	if n, _ := a.Pending(ctx); n != 1 {
		t.Errorf("Pending = %d, want 1 queued upload", n)
	}
	if a.IsLoggedIn() {
		t.Error("Bootstrap must not log in")
	}

	p2 := newFakeProvider()
	b := newTestAdapter(t, p2, func(c *Config) { c.Token = "bad" })
	if _, err := b.Bootstrap(ctx, strings.NewReader("y\n"), &out); !errors.Is(err, provider.ErrAuth) {
		t.Errorf("Bootstrap with bad token = %v, want ErrAuth", err)
	}
}
