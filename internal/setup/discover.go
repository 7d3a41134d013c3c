package setup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/tree"
)

// RemoteDatabase is a database folder found under the app root.
type RemoteDatabase struct {
	Name        string
	Collections int
}

// String returns a human-readable representation for selection prompts.
func (d RemoteDatabase) String() string {
	if d.Collections == 1 {
		return fmt.Sprintf("%s (1 collection)", d.Name)
	}
	return fmt.Sprintf("%s (%d collections)", d.Name, d.Collections)
}

// ProbeRemote verifies the credentials by authenticating against p, then
// lists the databases already present under appRoot, sorted by name.
func ProbeRemote(ctx context.Context, p provider.Provider, token, appRoot string, logger *slog.Logger) ([]RemoteDatabase, error) {
	mapper, err := tree.New(appRoot)
	if err != nil {
		return nil, err
	}

	session, err := p.Authenticate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("authenticating with %s: %w", p.Kind(), err)
	}

	names, err := session.ListChildren(ctx, []string{mapper.Root})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", mapper.Root, err)
	}

	var dbs []RemoteDatabase
	for _, name := range names {
		if isMarker(name) {
			continue
		}
		children, err := session.ListChildren(ctx, []string{mapper.Root, name})
		if err != nil {
			logger.Debug("skipping unreadable remote database", "database", name, "error", err)
			continue
		}
		n := 0
		for _, c := range children {
			if !isMarker(c) {
				n++
			}
		}
		dbs = append(dbs, RemoteDatabase{Name: name, Collections: n})
	}

	logger.Debug("discovered remote databases", "provider", p.Kind(), "count", len(dbs))
	return dbs, nil
}

// isMarker reports whether a folder entry is a stamp marker or a blob rather
// than a database or collection folder.
func isMarker(name string) bool {
	if name == tree.StampFile {
		return true
	}
	_, isItem := tree.ItemKey(name)
	return isItem || strings.HasPrefix(name, ".")
}
