package sync

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/stamp"
	"github.com/njoerd114/flatsync/internal/state"
	"github.com/njoerd114/flatsync/internal/tree"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testMapper = tree.Mapper{Root: "app"}
)

const testDB = "db"

// --- Mock Remote -------------------------------------------------------------

// mockRemote is an in-memory provider.Session without native modification
// times, so trackers built on it use changed.stamp markers.
type mockRemote struct {
	mu    sync.Mutex
	blobs map[string][]byte // "/app/db/coll/key.json" → contents
	calls []string          // "write /app/..." in call order

	// hook, when set, may return an error to inject for an operation.
	hook func(op, path string) error
}

func newMockRemote() *mockRemote {
	return &mockRemote{blobs: make(map[string][]byte)}
}

// record logs the call and runs the hook without holding the lock, so a
// hook may block one collection while others proceed.
func (m *mockRemote) record(op string, p []string) error {
	path := tree.Join(p)
	m.mu.Lock()
	m.calls = append(m.calls, op+" "+path)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		return hook(op, path)
	}
	return nil
}

func (m *mockRemote) ReadBlob(_ context.Context, p []string) ([]byte, error) {
	if err := m.record("read", p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[tree.Join(p)]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return slices.Clone(b), nil
}

func (m *mockRemote) WriteBlob(_ context.Context, p []string, data []byte) error {
	if err := m.record("write", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[tree.Join(p)] = slices.Clone(data)
	return nil
}

func (m *mockRemote) DeleteBlob(_ context.Context, p []string) error {
	if err := m.record("delete", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, tree.Join(p))
	return nil
}

func (m *mockRemote) ListChildren(_ context.Context, p []string) ([]string, error) {
	if err := m.record("list", p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := tree.Join(p) + "/"
	seen := make(map[string]bool)
	var out []string
	for k := range m.blobs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(k, prefix), "/")
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *mockRemote) StatModified(context.Context, []string) (time.Time, error) {
	return time.Time{}, provider.ErrUnsupported
}

// put writes a blob directly, as another device would.
func (m *mockRemote) put(path, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = []byte(data)
}

func (m *mockRemote) drop(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, path)
}

func (m *mockRemote) get(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[path]
	return string(b), ok
}

func (m *mockRemote) setHook(fn func(op, path string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// itemCalls returns recorded calls touching item blobs, i.e. excluding
// stamp markers and listings.
func (m *mockRemote) itemCalls(ops ...string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		op, path, _ := strings.Cut(c, " ")
		if !slices.Contains(ops, op) || !strings.HasSuffix(path, tree.ItemExt) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (m *mockRemote) countCalls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

// items returns the item blobs of one remote collection keyed by item key.
func (m *mockRemote) items(coll string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := "/app/" + testDB + "/" + coll + "/"
	out := make(map[string]string)
	for k, v := range m.blobs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if key, ok := tree.ItemKey(strings.TrimPrefix(k, prefix)); ok {
			out[key] = string(v)
		}
	}
	return out
}

// --- Helpers -----------------------------------------------------------------

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func newTestReplayer(t *testing.T, store StateStore, remote provider.Session, opts ReplayOptions) *Replayer {
	t.Helper()
	opts.Database = testDB
	if opts.NewBackOff == nil {
		opts.NewBackOff = fastBackOff
	}
	r := NewReplayer(store, remote, testMapper, stamp.NewTracker(remote, testMapper, false), nil, opts, testLogger)
	t.Cleanup(r.Stop)
	return r
}

// changeRecorder collects Change events.
type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (c *changeRecorder) record(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ch)
}

func (c *changeRecorder) all() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.changes)
}

func mustMutate(t *testing.T, s *state.Store, coll string, op model.Op) *model.HistoryItem {
	t.Helper()
	item, err := s.Mutate(context.Background(), testDB, coll, op)
	if err != nil {
		t.Fatalf("Mutate %s: %v", op.Kind(), err)
	}
	return item
}

func timeoutCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
