package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	dropboxDefaultAPI     = "https://api.dropboxapi.com"
	dropboxDefaultContent = "https://content.dropboxapi.com"
)

// Dropbox stores the tree in a Dropbox account. Dropbox exposes no
// modification time for folders, so change detection uses changed.stamp
// markers instead of native times.
type Dropbox struct {
	api     string
	content string
	hc      *http.Client
	log     *slog.Logger
}

// NewDropbox creates a Dropbox provider. Empty URLs select the public API
// endpoints.
func NewDropbox(api, content string, hc *http.Client, logger *slog.Logger) *Dropbox {
	if api == "" {
		api = dropboxDefaultAPI
	}
	if content == "" {
		content = dropboxDefaultContent
	}
	return &Dropbox{
		api:     strings.TrimRight(api, "/"),
		content: strings.TrimRight(content, "/"),
		hc:      hc,
		log:     logger,
	}
}

func (d *Dropbox) Kind() Kind { return KindDropbox }

// TrustsModTime is false: folder times are not available.
func (d *Dropbox) TrustsModTime() bool { return false }

// Authenticate validates token by fetching the current account.
func (d *Dropbox) Authenticate(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return nil, fmt.Errorf("dropbox: %w: empty token", ErrAuth)
	}
	s := &dropboxSession{Dropbox: d, token: token}
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return s.rpc(ctx, "/2/users/get_current_account", nil, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("dropbox authenticate: %w", err)
	}
	return s, nil
}

type dropboxSession struct {
	*Dropbox
	token string
}

type dropboxError struct {
	ErrorSummary string `json:"error_summary"`
}

// dropboxPath renders segments in the form the API expects. The API root is
// the empty string rather than "/".
func dropboxPath(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return "/" + strings.Join(path, "/")
}

// send issues one request and classifies failures. Dropbox reports endpoint
// specific errors as 409 with an error_summary such as "path/not_found/..".
func (s *dropboxSession) send(req *http.Request, op string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		var de dropboxError
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&de)
		if strings.Contains(de.ErrorSummary, "not_found") {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w: %s", op, ErrPermanent, de.ErrorSummary)
	}
	return nil, statusError(op, resp)
}

// rpc calls an RPC-style endpoint with a JSON argument body.
func (s *dropboxSession) rpc(ctx context.Context, endpoint string, arg, out any) error {
	var body io.Reader
	if arg != nil {
		b, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("encode %s argument: %w", endpoint, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.api+endpoint, body)
	if err != nil {
		return fmt.Errorf("create dropbox request: %w", err)
	}
	if arg != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.send(req, "dropbox "+endpoint)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// contentCall calls a content-style endpoint: arguments travel in the
// Dropbox-API-Arg header and the body carries file data.
func (s *dropboxSession) contentCall(ctx context.Context, endpoint string, arg any, data []byte) ([]byte, error) {
	header, err := headerJSON(arg)
	if err != nil {
		return nil, fmt.Errorf("encode %s argument: %w", endpoint, err)
	}
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.content+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create dropbox request: %w", err)
	}
	req.Header.Set("Dropbox-API-Arg", header)
	if data != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := s.send(req, "dropbox "+endpoint)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return b, nil
}

func (s *dropboxSession) ReadBlob(ctx context.Context, path []string) ([]byte, error) {
	var data []byte
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		data, callErr = s.contentCall(ctx, "/2/files/download", map[string]string{"path": dropboxPath(path)}, nil)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("dropbox read %s: %w", dropboxPath(path), err)
	}
	return data, nil
}

func (s *dropboxSession) WriteBlob(ctx context.Context, path []string, data []byte) error {
	arg := map[string]any{
		"path":       dropboxPath(path),
		"mode":       "overwrite",
		"autorename": false,
		"mute":       true,
	}
	if data == nil {
		data = []byte{}
	}
	err := Retry(ctx, defaultMaxAttempts, func() error {
		_, callErr := s.contentCall(ctx, "/2/files/upload", arg, data)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("dropbox write %s: %w", dropboxPath(path), err)
	}
	return nil
}

func (s *dropboxSession) DeleteBlob(ctx context.Context, path []string) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return s.rpc(ctx, "/2/files/delete_v2", map[string]string{"path": dropboxPath(path)}, nil)
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("dropbox delete %s: %w", dropboxPath(path), err)
	}
	return nil
}

type dropboxListResult struct {
	Entries []struct {
		Tag  string `json:".tag"`
		Name string `json:"name"`
	} `json:"entries"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

func (s *dropboxSession) ListChildren(ctx context.Context, path []string) ([]string, error) {
	var names []string
	var page dropboxListResult

	err := Retry(ctx, defaultMaxAttempts, func() error {
		return s.rpc(ctx, "/2/files/list_folder", map[string]any{"path": dropboxPath(path)}, &page)
	})
	for err == nil {
		for _, e := range page.Entries {
			if e.Tag == "deleted" {
				continue
			}
			names = append(names, e.Name)
		}
		if !page.HasMore {
			break
		}
		cursor := page.Cursor
		page = dropboxListResult{}
		err = Retry(ctx, defaultMaxAttempts, func() error {
			return s.rpc(ctx, "/2/files/list_folder/continue", map[string]string{"cursor": cursor}, &page)
		})
	}
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dropbox list %s: %w", dropboxPath(path), err)
	}
	sort.Strings(names)
	return names, nil
}

// StatModified is unsupported; callers fall back to changed.stamp markers.
func (s *dropboxSession) StatModified(_ context.Context, path []string) (time.Time, error) {
	return time.Time{}, fmt.Errorf("dropbox stat %s: %w", dropboxPath(path), ErrUnsupported)
}

// headerJSON encodes v as JSON safe for an HTTP header: every non-ASCII
// character is written as a \uXXXX escape.
func headerJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r < utf8.RuneSelf {
			sb.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&sb, `\u%04x\u%04x`, r1, r2)
			continue
		}
		fmt.Fprintf(&sb, `\u%04x`, r)
	}
	return sb.String(), nil
}
