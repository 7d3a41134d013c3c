package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/njoerd114/flatsync/internal/config"
	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/provider"
)

// providerChoices pairs the selection labels with their kinds.
var providerChoices = []struct {
	label string
	kind  provider.Kind
}{
	{"Google Drive", provider.KindGoogleDrive},
	{"Dropbox", provider.KindDropbox},
	{"Local or network folder", provider.KindLocal},
}

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer

	newProvider func(provider.Kind, provider.Options) (provider.Provider, error)
	goos        string
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:      NewPrompter(r, w),
		logger:      logger,
		w:           w,
		newProvider: provider.New,
		goos:        runtime.GOOS,
	}
}

// Run executes the interactive setup wizard and writes the result to cfgPath.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) error {
	fmt.Fprintf(wiz.w, "\nWelcome to flatsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard connects a local database to your cloud storage.\n\n")

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerServiceInstall(cfgPath)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: storage provider.
	fmt.Fprintf(wiz.w, "Step 1/4 - Storage Provider\n")

	labels := make([]string, len(providerChoices))
	for i, c := range providerChoices {
		labels[i] = c.label
	}
	idx, err := wiz.prompt.Select("Where should data be stored", labels)
	if err != nil {
		return fmt.Errorf("selecting provider: %w", err)
	}
	cfg := &config.Config{Provider: string(providerChoices[idx].kind)}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: credentials, verified against the provider.
	fmt.Fprintf(wiz.w, "Step 2/4 - Connection\n")

	opts := provider.Options{Logger: wiz.logger}
	if cfg.ProviderKind() == provider.KindLocal {
		cfg.LocalRoot = wiz.prompt.String("Folder to sync through", "")
		opts.LocalRoot = cfg.LocalRoot
	} else {
		cfg.Token = wiz.prompt.Secret("Access token")
	}
	cfg.AppRoot = wiz.prompt.String("Remote app folder", config.DefaultAppRoot)

	p, err := wiz.newProvider(cfg.ProviderKind(), opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  Connecting to %s...", providerChoices[idx].label)
	dbs, err := ProbeRemote(ctx, p, cfg.Token, cfg.AppRoot, wiz.logger)
	if err != nil {
		fmt.Fprintf(wiz.w, " failed\n")
		return fmt.Errorf("cannot reach %s: %w\n\n  Check the credentials, then try again", providerChoices[idx].label, err)
	}
	fmt.Fprintf(wiz.w, " ok\n\n")

	// Step 3: database.
	fmt.Fprintf(wiz.w, "Step 3/4 - Database\n")

	cfg.Database, err = wiz.chooseDatabase(dbs)
	if err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: interval, then save.
	fmt.Fprintf(wiz.w, "Step 4/4 - Sync Interval\n")

	cfg.SyncInterval = wiz.prompt.Duration("How often to check for remote changes?",
		config.DefaultSyncInterval, 5*time.Second, time.Hour)

	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Config written to %s\n\n", cfgPath)

	return wiz.offerServiceInstall(cfgPath)
}

// chooseDatabase lets the user pick a discovered database or name a new one.
func (wiz *Wizard) chooseDatabase(dbs []RemoteDatabase) (string, error) {
	if len(dbs) > 0 {
		fmt.Fprintf(wiz.w, "  Found %d database(s) on the remote.\n", len(dbs))
		options := make([]string, 0, len(dbs)+1)
		for _, db := range dbs {
			options = append(options, db.String())
		}
		options = append(options, "(new database)")

		idx, err := wiz.prompt.Select("Database to sync", options)
		if err != nil {
			return "", fmt.Errorf("selecting database: %w", err)
		}
		if idx < len(dbs) {
			return dbs[idx].Name, nil
		}
	}

	for {
		name := wiz.prompt.String("New database name", "")
		if err := model.ValidateSegment(name); err != nil {
			fmt.Fprintf(wiz.w, "  (%v)\n", err)
			continue
		}
		return name, nil
	}
}

// offerServiceInstall asks whether to run flatsync as a background service.
func (wiz *Wizard) offerServiceInstall(cfgPath string) error {
	if _, err := ServicePath(wiz.goos, ""); err != nil {
		fmt.Fprintf(wiz.w, "  Run manually with: flatsync daemon\n\n")
		return nil
	}
	if !wiz.prompt.Confirm("Install as background service (starts on login)?", false) {
		fmt.Fprintf(wiz.w, "\n  Skipping service install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: flatsync daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later with:     flatsync setup\n\n")
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	bin, err := ExecutablePath()
	if err != nil {
		return err
	}

	path, err := WriteService(wiz.goos, homeDir, bin, cfgPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  Service definition written to %s\n", path)

	if err := StartService(wiz.goos, homeDir); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Service started\n")

	fmt.Fprintf(wiz.w, "\nSetup complete! flatsync is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", cfgPath)
	fmt.Fprintf(wiz.w, "  Status:  flatsync status\n\n")
	return nil
}
