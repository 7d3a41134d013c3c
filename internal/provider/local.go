package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/njoerd114/flatsync/internal/model"
)

// tmpPrefix marks in-flight writes; such names never surface as children.
const tmpPrefix = model.TempPrefix

// Local stores the tree in a folder, typically one kept in sync by a desktop
// cloud client. The folder's root plays the role of the remote "/".
type Local struct {
	fs    afero.Fs
	root  string
	clock func() time.Time
	log   *slog.Logger
}

// NewLocal creates a Local provider over fs rooted at root. A nil clock
// selects time.Now.
func NewLocal(fs afero.Fs, root string, clock func() time.Time, logger *slog.Logger) *Local {
	if clock == nil {
		clock = time.Now
	}
	return &Local{fs: fs, root: filepath.Clean(root), clock: clock, log: logger}
}

func (l *Local) Kind() Kind { return KindLocal }

// TrustsModTime is true: the provider stamps files and parent folders itself.
func (l *Local) TrustsModTime() bool { return true }

// Authenticate ignores the token; access is governed by file permissions.
func (l *Local) Authenticate(_ context.Context, _ string) (Session, error) {
	if err := l.fs.MkdirAll(l.root, 0o700); err != nil {
		return nil, fmt.Errorf("local: creating root %q: %w", l.root, err)
	}
	return &localSession{Local: l}, nil
}

type localSession struct {
	*Local
}

func (s *localSession) path(p []string) string {
	return filepath.Join(append([]string{s.root}, p...)...)
}

// touch sets the modification time of name and its parent folder so that
// folder stamps advance even on filesystems that do not do it themselves.
func (s *localSession) touch(name string) {
	now := s.clock()
	for _, p := range []string{name, filepath.Dir(name)} {
		if err := s.fs.Chtimes(p, now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("local: chtimes failed", "path", p, "error", err)
		}
	}
}

func (s *localSession) ReadBlob(ctx context.Context, p []string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(s.fs, s.path(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("local read %s: %w", strings.Join(p, "/"), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("local read %s: %w", strings.Join(p, "/"), err)
	}
	return b, nil
}

// WriteBlob writes through a temporary sibling and renames it into place so
// readers never observe a partial blob.
func (s *localSession) WriteBlob(ctx context.Context, p []string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := s.path(p)
	dir := filepath.Dir(name)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("local write %s: creating folder: %w", strings.Join(p, "/"), err)
	}

	tmp := filepath.Join(dir, tmpPrefix+filepath.Base(name))
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("local write %s: %w", strings.Join(p, "/"), err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("local write %s: %w", strings.Join(p, "/"), err)
	}
	s.touch(name)
	return nil
}

func (s *localSession) DeleteBlob(ctx context.Context, p []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := s.path(p)
	if _, err := s.fs.Stat(name); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	err := s.fs.RemoveAll(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local delete %s: %w", strings.Join(p, "/"), err)
	}
	s.touch(filepath.Dir(name))
	return nil
}

func (s *localSession) ListChildren(ctx context.Context, p []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(s.fs, s.path(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local list %s: %w", strings.Join(p, "/"), err)
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if strings.HasPrefix(fi.Name(), tmpPrefix) {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *localSession) StatModified(ctx context.Context, p []string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	name := s.path(p)
	fi, err := s.fs.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, fmt.Errorf("local stat %s: %w", strings.Join(p, "/"), ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("local stat %s: %w", strings.Join(p, "/"), err)
	}
	mod := fi.ModTime()
	if !fi.IsDir() {
		return mod, nil
	}

	infos, err := afero.ReadDir(s.fs, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("local stat %s: %w", strings.Join(p, "/"), err)
	}
	for _, child := range infos {
		if child.ModTime().After(mod) {
			mod = child.ModTime()
		}
	}
	return mod, nil
}

// Watch reports changes below the root using fsnotify. It is only available
// when the provider is backed by the OS filesystem.
func (s *localSession) Watch(ctx context.Context, fn func(path []string)) error {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		return fmt.Errorf("local watch: %w: filesystem is not the OS filesystem", ErrUnsupported)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("local watch: %w", err)
	}
	defer func() { _ = w.Close() }()

	// fsnotify is not recursive, so every folder is added explicitly.
	addTree := func(dir string) {
		_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil //nolint:nilerr // skip unreadable entries
			}
			if d.IsDir() {
				if addErr := w.Add(p); addErr != nil {
					s.log.Debug("local watch: add failed", "path", p, "error", addErr)
				}
			}
			return nil
		})
	}
	addTree(s.root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("local watch: events channel closed")
			}
			if strings.HasPrefix(filepath.Base(ev.Name), tmpPrefix) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					addTree(ev.Name)
				}
			}
			rel, err := filepath.Rel(s.root, ev.Name)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			fn(strings.Split(filepath.ToSlash(rel), "/"))
		case werr, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("local watch: errors channel closed")
			}
			s.log.Error("local watch error", "error", werr)
		}
	}
}
