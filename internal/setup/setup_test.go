package setup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/njoerd114/flatsync/internal/config"
	"github.com/njoerd114/flatsync/internal/provider"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestWizard(input string, goos string) (*Wizard, *bytes.Buffer) {
	var out bytes.Buffer
	wiz := NewWizard(strings.NewReader(input), &out, testLogger)
	wiz.goos = goos
	return wiz, &out
}

// --- Prompter ----------------------------------------------------------------

func TestPrompter_StringDefaultAndRequired(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("\n\nvalue\n"), &out)

	if got := p.String("Name", "dflt"); got != "dflt" {
		t.Errorf("String with default = %q, want dflt", got)
	}
	if got := p.String("Required", ""); got != "value" {
		t.Errorf("String required = %q, want value", got)
	}
	if !strings.Contains(out.String(), "required") {
		t.Errorf("missing re-prompt hint in %q", out.String())
	}
}

func TestPrompter_Select(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("9\nx\n2\n"), &out)
	idx, err := p.Select("Pick", []string{"a", "b"})
	if err != nil || idx != 1 {
		t.Errorf("Select = %d, %v; want 1", idx, err)
	}

	if _, err := NewPrompter(strings.NewReader(""), &out).Select("Pick", []string{"a"}); err == nil {
		t.Error("Select on EOF should fail")
	}
}

func TestPrompter_Confirm(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("yes\n\nN\n"), &out)
	if !p.Confirm("q", false) {
		t.Error("yes should confirm")
	}
	if !p.Confirm("q", true) {
		t.Error("empty answer should take the default")
	}
	if p.Confirm("q", true) {
		t.Error("N should decline")
	}
}

func TestPrompter_Duration(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("soon\n2s\n2m\n\n"), &out)

	if got := p.Duration("Every", time.Minute, 5*time.Second, time.Hour); got != 2*time.Minute {
		t.Errorf("Duration = %v, want 2m", got)
	}
	if strings.Count(out.String(), "enter a duration") != 2 {
		t.Errorf("expected two re-prompts for bad input:\n%s", out.String())
	}
	if got := p.Duration("Every", time.Minute, 5*time.Second, time.Hour); got != time.Minute {
		t.Errorf("empty answer = %v, want default", got)
	}
}

// --- Discovery ---------------------------------------------------------------

func TestProbeRemote_ListsDatabases(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, dir := range []string{"/r/app/notes/tasks", "/r/app/notes/projects", "/r/app/empty"} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	_ = afero.WriteFile(fs, "/r/app/changed.stamp", []byte("1"), 0o644)
	_ = afero.WriteFile(fs, "/r/app/notes/changed.stamp", []byte("1"), 0o644)

	p := provider.NewLocal(fs, "/r", nil, testLogger)
	dbs, err := ProbeRemote(context.Background(), p, "", "app", testLogger)
	if err != nil {
		t.Fatalf("ProbeRemote: %v", err)
	}
	if len(dbs) != 2 {
		t.Fatalf("databases = %+v, want 2", dbs)
	}
	if dbs[0].Name != "empty" || dbs[0].Collections != 0 {
		t.Errorf("dbs[0] = %+v", dbs[0])
	}
	if dbs[1].Name != "notes" || dbs[1].Collections != 2 {
		t.Errorf("dbs[1] = %+v", dbs[1])
	}
	if got := dbs[1].String(); got != "notes (2 collections)" {
		t.Errorf("String = %q", got)
	}
}

type rejectingProvider struct{ provider.Provider }

func (rejectingProvider) Kind() provider.Kind { return provider.KindDropbox }

func (rejectingProvider) Authenticate(context.Context, string) (provider.Session, error) {
	return nil, provider.ErrAuth
}

func TestProbeRemote_RejectedToken(t *testing.T) {
	_, err := ProbeRemote(context.Background(), rejectingProvider{}, "bad", "app", testLogger)
	if !errors.Is(err, provider.ErrAuth) {
		t.Errorf("ProbeRemote = %v, want ErrAuth", err)
	}
}

// --- Service definitions -----------------------------------------------------

func TestRenderService(t *testing.T) {
	tests := []struct {
		goos string
		want []string
	}{
		{"darwin", []string{LaunchdLabel, "<string>/usr/local/bin/flatsync</string>", "<string>/home/u/cfg.yaml</string>", "/home/u/Library/Logs/flatsync"}},
		{"linux", []string{"ExecStart=/usr/local/bin/flatsync daemon --config /home/u/cfg.yaml", "WantedBy=default.target"}},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			out, err := RenderService(tt.goos, "/home/u", "/usr/local/bin/flatsync", "/home/u/cfg.yaml")
			if err != nil {
				t.Fatalf("RenderService: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(string(out), w) {
					t.Errorf("rendered service missing %q:\n%s", w, out)
				}
			}
		})
	}

	if _, err := RenderService("windows", "/h", "/b", "/c"); err == nil {
		t.Error("unsupported OS should fail")
	}
}

func TestServicePath(t *testing.T) {
	p, err := ServicePath("linux", "/home/u")
	if err != nil || p != filepath.Join("/home/u", ".config", "systemd", "user", SystemdUnit) {
		t.Errorf("linux ServicePath = %q, %v", p, err)
	}
	p, err = ServicePath("darwin", "/home/u")
	if err != nil || filepath.Base(p) != LaunchdLabel+".plist" {
		t.Errorf("darwin ServicePath = %q, %v", p, err)
	}
}

func TestWriteService(t *testing.T) {
	home := t.TempDir()
	path, err := WriteService("linux", home, "/bin/flatsync", "/cfg.yaml")
	if err != nil {
		t.Fatalf("WriteService: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ExecStart=/bin/flatsync daemon") {
		t.Errorf("unit = %s", data)
	}
}

// --- Wizard ------------------------------------------------------------------

func TestWizard_LocalProviderExistingDatabase(t *testing.T) {
	remote := t.TempDir()
	if err := os.MkdirAll(filepath.Join(remote, "flatsync", "notes", "tasks"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	input := strings.Join([]string{
		"3",    // local folder
		remote, // folder
		"",     // default app folder
		"1",    // notes
		"45s",  // interval
		"n",    // no service
	}, "\n") + "\n"
	wiz, out := newTestWizard(input, "linux")

	if err := wiz.Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v\n%s", err, out)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProviderKind() != provider.KindLocal || cfg.LocalRoot != remote {
		t.Errorf("provider = %q root %q", cfg.Provider, cfg.LocalRoot)
	}
	if cfg.Database != "notes" || cfg.AppRoot != config.DefaultAppRoot {
		t.Errorf("database = %q app root = %q", cfg.Database, cfg.AppRoot)
	}
	if cfg.SyncInterval != 45*time.Second {
		t.Errorf("SyncInterval = %v", cfg.SyncInterval)
	}
	if !strings.Contains(out.String(), "notes (1 collection)") {
		t.Errorf("database list not shown:\n%s", out)
	}
}

func TestWizard_NewDatabaseIsValidated(t *testing.T) {
	remote := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	input := strings.Join([]string{
		"3",
		remote,
		"myapp",
		"a/b",   // rejected
		"notes", // accepted
		"",      // default interval
	}, "\n") + "\n"
	wiz, out := newTestWizard(input, "plan9")

	if err := wiz.Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v\n%s", err, out)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database != "notes" || cfg.AppRoot != "myapp" {
		t.Errorf("database = %q app root = %q", cfg.Database, cfg.AppRoot)
	}
	if cfg.SyncInterval != config.DefaultSyncInterval {
		t.Errorf("SyncInterval = %v, want default", cfg.SyncInterval)
	}
	if !strings.Contains(out.String(), "separator") {
		t.Errorf("invalid name not reported:\n%s", out)
	}
}

func TestWizard_RejectedTokenStopsBeforeWriting(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	wiz, _ := newTestWizard("2\nbad-token\n\n", "linux")
	wiz.newProvider = func(provider.Kind, provider.Options) (provider.Provider, error) {
		return rejectingProvider{}, nil
	}

	if err := wiz.Run(context.Background(), cfgPath); !errors.Is(err, provider.ErrAuth) {
		t.Fatalf("Run = %v, want ErrAuth", err)
	}
	if _, err := os.Stat(cfgPath); !os.IsNotExist(err) {
		t.Error("config written despite rejected token")
	}
}

func TestWizard_KeepExistingConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("provider: dropbox\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	wiz, out := newTestWizard("n\nn\n", "linux")
	if err := wiz.Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "Keeping existing config") {
		t.Errorf("output = %s", out)
	}
	data, _ := os.ReadFile(cfgPath)
	if string(data) != "provider: dropbox\n" {
		t.Errorf("config modified: %q", data)
	}
}
