// Package provider abstracts the remote file-tree storage that flatsync
// mirrors a local database into. Every back end exchanges an opaque token for
// a [Session] exposing five blob primitives; the back ends differ only in
// whether their native modification times can be trusted for change
// detection and in the shape of their authentication call.
//
// Three implementations are provided:
//
//   - [GoogleDrive] talks to the Drive v3 REST API and trusts modifiedTime.
//   - [Dropbox] talks to the Dropbox v2 API and relies on changed.stamp markers.
//   - [Local] works on a plain folder through afero and can watch it with fsnotify.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/afero"
)

var (
	// ErrAuth means the credential was rejected. It is permanent until the
	// user logs in again.
	ErrAuth = errors.New("authentication rejected")

	// ErrNotFound means the requested blob or folder does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported means the provider cannot answer the request, e.g. a
	// native modification time it does not expose.
	ErrUnsupported = errors.New("unsupported by provider")

	// ErrPermanent marks a rejection that retrying will not fix.
	ErrPermanent = errors.New("permanent provider error")
)

// IsTransient reports whether err is worth retrying: anything that is not
// an auth, not-found, unsupported or permanent error, and not a cancellation
// of the caller's context.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrAuth),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrPermanent),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Kind selects a provider implementation.
type Kind string

const (
	KindGoogleDrive Kind = "google_drive"
	KindDropbox     Kind = "dropbox"
	KindLocal       Kind = "local"
)

// ParseKind validates a provider name from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindGoogleDrive, KindDropbox, KindLocal:
		return k, nil
	}
	return "", fmt.Errorf("unknown provider %q (want %s, %s or %s)", s, KindGoogleDrive, KindDropbox, KindLocal)
}

// Provider authenticates against one storage back end.
type Provider interface {
	Kind() Kind

	// TrustsModTime reports whether StatModified returns values suitable for
	// change detection. The answer is fixed per implementation.
	TrustsModTime() bool

	// Authenticate exchanges token for a session. A rejected token yields an
	// error wrapping ErrAuth.
	Authenticate(ctx context.Context, token string) (Session, error)
}

// Session performs blob operations on behalf of one authenticated user.
// Paths are absolute segment lists, e.g. ["flatsync", "db", "tasks", "a.json"].
type Session interface {
	// ReadBlob returns the blob contents or ErrNotFound.
	ReadBlob(ctx context.Context, path []string) ([]byte, error)

	// WriteBlob creates or replaces a blob, creating parent folders as needed.
	WriteBlob(ctx context.Context, path []string, data []byte) error

	// DeleteBlob removes a blob. Deleting a missing blob succeeds.
	DeleteBlob(ctx context.Context, path []string) error

	// ListChildren returns the sorted names directly under a folder. A
	// missing folder has no children.
	ListChildren(ctx context.Context, path []string) ([]string, error)

	// StatModified returns the last modification time of a blob, or for a
	// folder the newest of the folder itself and its direct children. It
	// returns ErrNotFound for a missing node and ErrUnsupported when the
	// provider has no trustworthy time.
	StatModified(ctx context.Context, path []string) (time.Time, error)
}

// Watcher is implemented by sessions that can push remote-change hints.
// Watch blocks until ctx is cancelled, invoking fn with the path of every
// changed node.
type Watcher interface {
	Watch(ctx context.Context, fn func(path []string)) error
}

// Options carries construction parameters for [New]. Zero values select
// production defaults.
type Options struct {
	// HTTPClient is used by the HTTP-based providers.
	HTTPClient *http.Client

	// DriveBaseURL overrides https://www.googleapis.com (tests).
	DriveBaseURL string

	// DropboxAPIURL overrides https://api.dropboxapi.com (tests).
	DropboxAPIURL string

	// DropboxContentURL overrides https://content.dropboxapi.com (tests).
	DropboxContentURL string

	// LocalRoot is the folder the Local provider treats as the remote "/".
	LocalRoot string

	// LocalFs overrides the filesystem of the Local provider. Defaults to
	// the OS filesystem.
	LocalFs afero.Fs

	// Clock overrides time.Now for the Local provider's modification times.
	Clock func() time.Time

	Logger *slog.Logger
}

// New builds the provider selected by kind.
func New(kind Kind, opts Options) (Provider, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	switch kind {
	case KindGoogleDrive:
		return NewGoogleDrive(opts.DriveBaseURL, opts.HTTPClient, opts.Logger), nil
	case KindDropbox:
		return NewDropbox(opts.DropboxAPIURL, opts.DropboxContentURL, opts.HTTPClient, opts.Logger), nil
	case KindLocal:
		if opts.LocalRoot == "" {
			return nil, fmt.Errorf("local provider requires a root folder")
		}
		fs := opts.LocalFs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		return NewLocal(fs, opts.LocalRoot, opts.Clock, opts.Logger), nil
	}
	return nil, fmt.Errorf("unknown provider %q", kind)
}
