package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/njoerd114/flatsync/internal/model"
)

func seedLocal(t *testing.T, store StateStore, coll, key, value string) {
	t.Helper()
	if _, err := store.ApplyRemote(context.Background(), model.ItemAddress(testDB, coll, key), json.RawMessage(value), false); err != nil {
		t.Fatalf("seeding %s/%s: %v", coll, key, err)
	}
}

func TestBootstrap_SkipsSyncedDatabase(t *testing.T) {
	store := openTestStore(t)
	remote := newMockRemote()
	ctx := context.Background()

	if err := store.SetKnownStamp(ctx, model.Address{Database: testDB}, 1); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	b := NewBootstrap(store, remote, testMapper, testDB, testLogger, strings.NewReader(""), &buf)
	ran, err := b.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("bootstrap should not run for a database that synced before")
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestBootstrap_QueuesLocalOnlyItems(t *testing.T) {
	store := openTestStore(t)
	remote := newMockRemote()
	ctx := context.Background()

	seedLocal(t, store, "drafts", "d1", `"one"`)
	seedLocal(t, store, "drafts", "d2", `"two"`)
	seedLocal(t, store, "shared", "s1", `1`)
	remote.put("/app/db/shared/s1.json", `2`)
	remote.put("/app/db/inbox/i1.json", `3`)

	// d2 already has a pending write that must not be duplicated.
	if _, err := store.Mutate(ctx, testDB, "drafts", model.SetItem{Key: "d2", Value: json.RawMessage(`"two"`)}); err != nil {
		t.Fatal(err)
	}

	var output bytes.Buffer
	b := NewBootstrap(store, remote, testMapper, testDB, testLogger, strings.NewReader("y\n"), &output)
	ran, err := b.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("bootstrap should have executed")
	}

	out := output.String()
	for _, want := range []string{"drafts: 2 local item(s)", "inbox: will be downloaded", "shared: exists on both sides"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	pending, err := store.History(testDB, "drafts").All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("drafts backlog = %d, want 2", len(pending))
	}
	keys := map[string]int{}
	for _, it := range pending {
		keys[model.OpKey(it.Op)]++
	}
	if keys["d1"] != 1 || keys["d2"] != 1 {
		t.Errorf("queued keys = %v, want d1 and d2 once each", keys)
	}
	if n, _ := store.History(testDB, "shared").Len(ctx); n != 0 {
		t.Errorf("shared collection should not be queued, got %d", n)
	}
}

func TestBootstrap_Declined(t *testing.T) {
	store := openTestStore(t)
	remote := newMockRemote()
	ctx := context.Background()

	seedLocal(t, store, "drafts", "d1", `1`)

	var output bytes.Buffer
	b := NewBootstrap(store, remote, testMapper, testDB, testLogger, strings.NewReader("n\n"), &output)
	ran, err := b.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("bootstrap should report false when declined")
	}
	if n, _ := store.History(testDB, "drafts").Len(ctx); n != 0 {
		t.Errorf("declined bootstrap queued %d items", n)
	}
}
