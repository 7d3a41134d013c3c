package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	driveDefaultBase = "https://www.googleapis.com"
	driveFolderMime  = "application/vnd.google-apps.folder"
	driveRootID      = "root"
	driveFileFields  = "id,name,mimeType,modifiedTime"
)

// GoogleDrive stores the tree in a user's Drive. Drive addresses files by id,
// so each session resolves path segments to folder ids and caches them.
type GoogleDrive struct {
	base string
	hc   *http.Client
	log  *slog.Logger
}

// NewGoogleDrive creates a Drive provider. An empty base selects the public
// API endpoint.
func NewGoogleDrive(base string, hc *http.Client, logger *slog.Logger) *GoogleDrive {
	if base == "" {
		base = driveDefaultBase
	}
	return &GoogleDrive{base: strings.TrimRight(base, "/"), hc: hc, log: logger}
}

func (g *GoogleDrive) Kind() Kind { return KindGoogleDrive }

// TrustsModTime is true: Drive maintains modifiedTime on every file.
func (g *GoogleDrive) TrustsModTime() bool { return true }

// Authenticate validates token with a cheap about call.
func (g *GoogleDrive) Authenticate(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return nil, fmt.Errorf("google drive: %w: empty token", ErrAuth)
	}
	s := &driveSession{
		base:  g.base,
		token: token,
		hc:    g.hc,
		log:   g.log,
		ids:   map[string]string{"": driveRootID},
	}
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return s.do(ctx, http.MethodGet, s.base+"/drive/v3/about?fields=user", nil, "", nil)
	})
	if err != nil {
		return nil, fmt.Errorf("google drive authenticate: %w", err)
	}
	return s, nil
}

type driveFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

func (f *driveFile) isFolder() bool { return f.MimeType == driveFolderMime }

type driveList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

type driveSession struct {
	base  string
	token string
	hc    *http.Client
	log   *slog.Logger

	mu  sync.Mutex
	ids map[string]string // joined folder path -> folder id
}

// do sends one request. A *[]byte out receives the raw body, any other
// non-nil out is decoded as JSON.
func (s *driveSession) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create drive request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute drive request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return driveStatusError("drive "+method, resp)
	}
	switch v := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
	case *[]byte:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read drive response: %w", err)
		}
		*v = b
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode drive response: %w", err)
		}
	}
	return nil
}

// list returns every non-trashed child of parentID matching the extra query.
func (s *driveSession) list(ctx context.Context, parentID, extra, orderBy string, pageSize int) ([]driveFile, error) {
	q := fmt.Sprintf("'%s' in parents and trashed=false", escapeDriveQuery(parentID))
	if extra != "" {
		q += " and " + extra
	}

	var files []driveFile
	pageToken := ""
	for {
		v := url.Values{}
		v.Set("q", q)
		v.Set("fields", "nextPageToken,files("+driveFileFields+")")
		v.Set("pageSize", fmt.Sprint(pageSize))
		if orderBy != "" {
			v.Set("orderBy", orderBy)
		}
		if pageToken != "" {
			v.Set("pageToken", pageToken)
		}

		var page driveList
		err := Retry(ctx, defaultMaxAttempts, func() error {
			return s.do(ctx, http.MethodGet, s.base+"/drive/v3/files?"+v.Encode(), nil, "", &page)
		})
		if err != nil {
			return nil, err
		}
		files = append(files, page.Files...)
		if page.NextPageToken == "" || pageSize == 1 {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

// find looks up a direct child by name.
func (s *driveSession) find(ctx context.Context, parentID, name string) (*driveFile, error) {
	files, err := s.list(ctx, parentID, fmt.Sprintf("name='%s'", escapeDriveQuery(name)), "", 10)
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", name, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("find %q: %w", name, ErrNotFound)
	}
	if len(files) > 1 {
		s.log.Warn("duplicate drive entries, using the first", "name", name, "count", len(files))
	}
	return &files[0], nil
}

// folderID resolves a folder path to its id, optionally creating missing
// folders along the way.
func (s *driveSession) folderID(ctx context.Context, path []string, create bool) (string, error) {
	parent := driveRootID
	for i, name := range path {
		key := strings.Join(path[:i+1], "/")

		s.mu.Lock()
		id, ok := s.ids[key]
		s.mu.Unlock()
		if ok {
			parent = id
			continue
		}

		f, err := s.find(ctx, parent, name)
		switch {
		case err == nil:
			id = f.ID
		case create && isNotFound(err):
			id, err = s.create(ctx, parent, name, driveFolderMime)
			if err != nil {
				return "", err
			}
		default:
			return "", err
		}

		s.mu.Lock()
		s.ids[key] = id
		s.mu.Unlock()
		parent = id
	}
	return parent, nil
}

// forget drops cached folder ids at or below path after a 404 or delete.
func (s *driveSession) forget(path []string) {
	prefix := strings.Join(path, "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.ids {
		if k == prefix || strings.HasPrefix(k, prefix+"/") {
			delete(s.ids, k)
		}
	}
}

// create makes an empty file or folder under parent and returns its id.
// Creation is not retried in-call: a duplicate would be visible by name.
func (s *driveSession) create(ctx context.Context, parent, name, mimeType string) (string, error) {
	meta := map[string]any{"name": name, "parents": []string{parent}}
	if mimeType != "" {
		meta["mimeType"] = mimeType
	}
	b, _ := json.Marshal(meta) //nolint:errcheck // map of strings always marshals

	var f driveFile
	if err := s.do(ctx, http.MethodPost, s.base+"/drive/v3/files?fields=id", bytes.NewReader(b), "application/json", &f); err != nil {
		return "", fmt.Errorf("create %q: %w", name, err)
	}
	return f.ID, nil
}

func (s *driveSession) locate(ctx context.Context, path []string) (*driveFile, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrPermanent)
	}
	parent, err := s.folderID(ctx, path[:len(path)-1], false)
	if err != nil {
		if isNotFound(err) {
			s.forget(path[:len(path)-1])
		}
		return nil, err
	}
	return s.find(ctx, parent, path[len(path)-1])
}

func (s *driveSession) ReadBlob(ctx context.Context, path []string) ([]byte, error) {
	f, err := s.locate(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("drive read %s: %w", strings.Join(path, "/"), err)
	}

	var data []byte
	err = Retry(ctx, defaultMaxAttempts, func() error {
		return s.do(ctx, http.MethodGet, s.base+"/drive/v3/files/"+url.PathEscape(f.ID)+"?alt=media", nil, "", &data)
	})
	if err != nil {
		return nil, fmt.Errorf("drive read %s: %w", strings.Join(path, "/"), err)
	}
	return data, nil
}

func (s *driveSession) WriteBlob(ctx context.Context, path []string, data []byte) error {
	if len(path) == 0 {
		return fmt.Errorf("drive write: %w: empty path", ErrPermanent)
	}
	dir, name := path[:len(path)-1], path[len(path)-1]

	parent, err := s.folderID(ctx, dir, true)
	if err != nil {
		return fmt.Errorf("drive write %s: %w", strings.Join(path, "/"), err)
	}

	var id string
	f, err := s.find(ctx, parent, name)
	switch {
	case err == nil:
		id = f.ID
	case isNotFound(err):
		if id, err = s.create(ctx, parent, name, ""); err != nil {
			return fmt.Errorf("drive write %s: %w", strings.Join(path, "/"), err)
		}
	default:
		return fmt.Errorf("drive write %s: %w", strings.Join(path, "/"), err)
	}

	endpoint := s.base + "/upload/drive/v3/files/" + url.PathEscape(id) + "?uploadType=media"
	err = Retry(ctx, defaultMaxAttempts, func() error {
		return s.do(ctx, http.MethodPatch, endpoint, bytes.NewReader(data), "application/json", nil)
	})
	if err != nil {
		return fmt.Errorf("drive write %s: %w", strings.Join(path, "/"), err)
	}
	return nil
}

func (s *driveSession) DeleteBlob(ctx context.Context, path []string) error {
	f, err := s.locate(ctx, path)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("drive delete %s: %w", strings.Join(path, "/"), err)
	}

	err = Retry(ctx, defaultMaxAttempts, func() error {
		return s.do(ctx, http.MethodDelete, s.base+"/drive/v3/files/"+url.PathEscape(f.ID), nil, "", nil)
	})
	if f.isFolder() {
		s.forget(path)
	}
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("drive delete %s: %w", strings.Join(path, "/"), err)
	}
	return nil
}

func (s *driveSession) ListChildren(ctx context.Context, path []string) ([]string, error) {
	id, err := s.folderID(ctx, path, false)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("drive list %s: %w", strings.Join(path, "/"), err)
	}

	files, err := s.list(ctx, id, "", "", 1000)
	if err != nil {
		return nil, fmt.Errorf("drive list %s: %w", strings.Join(path, "/"), err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *driveSession) StatModified(ctx context.Context, path []string) (time.Time, error) {
	f, err := s.locate(ctx, path)
	if err != nil {
		return time.Time{}, fmt.Errorf("drive stat %s: %w", strings.Join(path, "/"), err)
	}
	if !f.isFolder() {
		return f.ModifiedTime, nil
	}

	newest, err := s.list(ctx, f.ID, "", "modifiedTime desc", 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("drive stat %s: %w", strings.Join(path, "/"), err)
	}
	mod := f.ModifiedTime
	if len(newest) > 0 && newest[0].ModifiedTime.After(mod) {
		mod = newest[0].ModifiedTime
	}
	return mod, nil
}

// driveThrottleReasons are the error reasons Drive sends, usually with a 403,
// when a request should simply be retried later.
var driveThrottleReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"backendError":          true,
}

// driveStatusError classifies a failed Drive response. Drive reports rate
// limits as 403 and names them only in error.errors[].reason.
func driveStatusError(op string, resp *http.Response) error {
	body := readErrorBody(resp)

	var parsed struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	throttled := false
	if resp.StatusCode == http.StatusForbidden && json.Unmarshal(body, &parsed) == nil {
		for _, e := range parsed.Error.Errors {
			if driveThrottleReasons[e.Reason] {
				throttled = true
				break
			}
		}
	}
	return classifyStatus(op, resp, body, throttled)
}

// escapeDriveQuery escapes a literal for use inside a single-quoted Drive
// query string.
func escapeDriveQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}
