package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/tree"
)

// Bootstrap performs the first sync of a database against a remote it was
// never synced with. It compares the local and remote collections, prints a
// summary, and (with user confirmation) queues every local-only item for
// upload. Remote data is pulled afterwards by the regular consistency pass.
type Bootstrap struct {
	store   StateStore
	session provider.Session
	mapper  tree.Mapper
	db      string
	log     *slog.Logger
	reader  io.Reader // for confirmation prompt (os.Stdin in production)
	writer  io.Writer // for summary output (os.Stdout in production)
}

// NewBootstrap creates a Bootstrap. reader and writer control the
// confirmation prompt I/O.
func NewBootstrap(store StateStore, session provider.Session, mapper tree.Mapper, db string, logger *slog.Logger, reader io.Reader, writer io.Writer) *Bootstrap {
	return &Bootstrap{
		store:   store,
		session: session,
		mapper:  mapper,
		db:      db,
		log:     logger,
		reader:  reader,
		writer:  writer,
	}
}

// plan is the outcome of comparing local and remote collections.
type plan struct {
	localOnly  map[string][]model.Item // collection → items to upload
	remoteOnly []string
	shared     []string
}

// Run checks whether the database was ever synced and, if not, performs the
// first-run bootstrap. Returns true if bootstrap was executed, false if
// skipped or declined.
func (b *Bootstrap) Run(ctx context.Context) (bool, error) {
	synced, err := b.store.HasSynced(ctx, b.db)
	if err != nil {
		return false, fmt.Errorf("checking sync state: %w", err)
	}
	if synced {
		b.log.Debug("database synced before, skipping bootstrap", "database", b.db)
		return false, nil
	}

	b.log.Info("database never synced, starting first-run bootstrap", "database", b.db)

	p, err := b.plan(ctx)
	if err != nil {
		return false, err
	}

	b.printSummary(p)

	if !b.confirm() {
		b.log.Info("bootstrap cancelled by user")
		return false, nil
	}

	if err := b.execute(ctx, p); err != nil {
		return false, fmt.Errorf("executing bootstrap: %w", err)
	}

	b.log.Info("bootstrap complete")
	return true, nil
}

func (b *Bootstrap) plan(ctx context.Context) (plan, error) {
	dir, err := b.mapper.ToPath(model.Address{Database: b.db})
	if err != nil {
		return plan{}, err
	}
	names, err := b.session.ListChildren(ctx, dir)
	if err != nil {
		return plan{}, fmt.Errorf("listing remote collections: %w", err)
	}
	remote := make(map[string]bool, len(names))
	for _, n := range names {
		if n != tree.StampFile && model.ValidateSegment(n) == nil {
			remote[n] = true
		}
	}

	local, err := b.store.Collections(ctx, b.db)
	if err != nil {
		return plan{}, fmt.Errorf("listing local collections: %w", err)
	}

	p := plan{localOnly: make(map[string][]model.Item)}
	for _, c := range local {
		if remote[c] {
			p.shared = append(p.shared, c)
			delete(remote, c)
			continue
		}
		items, err := b.store.Items(ctx, b.db, c)
		if err != nil {
			return plan{}, err
		}
		p.localOnly[c] = items
	}
	for c := range remote {
		p.remoteOnly = append(p.remoteOnly, c)
	}
	slices.Sort(p.remoteOnly)
	return p, nil
}

// printSummary writes a human-readable summary of the plan.
func (b *Bootstrap) printSummary(p plan) {
	_, _ = fmt.Fprintf(b.writer, "\n--- First-Run Bootstrap Summary (%s) ---\n\n", b.db)

	localNames := make([]string, 0, len(p.localOnly))
	for c := range p.localOnly {
		localNames = append(localNames, c)
	}
	slices.Sort(localNames)

	upload := 0
	for _, c := range localNames {
		n := len(p.localOnly[c])
		upload += n
		_, _ = fmt.Fprintf(b.writer, "  → %s: %d local item(s) will be uploaded\n", c, n)
	}
	for _, c := range p.remoteOnly {
		_, _ = fmt.Fprintf(b.writer, "  ← %s: will be downloaded\n", c)
	}
	for _, c := range p.shared {
		_, _ = fmt.Fprintf(b.writer, "  ↔ %s: exists on both sides, remote values win\n", c)
	}
	_, _ = fmt.Fprintln(b.writer)

	_, _ = fmt.Fprintf(b.writer, "Total: %d item(s) to upload, %d collection(s) to download, %d shared\n",
		upload, len(p.remoteOnly), len(p.shared))
}

// confirm reads a y/n response from the reader.
func (b *Bootstrap) confirm() bool {
	_, _ = fmt.Fprintf(b.writer, "Proceed with sync? [y/N] ")
	scanner := bufio.NewScanner(b.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}

// execute queues a SetItem for every local-only item that is not already
// waiting in the history log.
func (b *Bootstrap) execute(ctx context.Context, p plan) error {
	for coll, items := range p.localOnly {
		h := b.store.History(b.db, coll)
		for _, it := range items {
			pending, err := h.Pending(ctx, it.Key)
			if err != nil {
				return err
			}
			if pending {
				continue
			}
			if _, err := h.Append(ctx, model.SetItem{Key: it.Key, Value: it.Value}); err != nil {
				return fmt.Errorf("queueing %s/%s: %w", coll, it.Key, err)
			}
			b.log.Debug("queued for upload", "collection", coll, "key", it.Key)
		}
	}
	return nil
}
