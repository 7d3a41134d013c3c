package setup

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

const (
	// BinaryName is the name of the flatsync binary.
	BinaryName = "flatsync"

	// LaunchdLabel is the launchd job label on macOS.
	LaunchdLabel = "io.github.njoerd114.flatsync"

	// SystemdUnit is the systemd user unit name on Linux.
	SystemdUnit = "flatsync.service"
)

// serviceData holds template values for the service definitions.
type serviceData struct {
	Label      string
	BinaryPath string
	ConfigPath string
	LogDir     string
}

var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.BinaryPath}}</string>
		<string>daemon</string>
		<string>--config</string>
		<string>{{.ConfigPath}}</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>{{.LogDir}}/flatsync.log</string>
	<key>StandardErrorPath</key>
	<string>{{.LogDir}}/flatsync.log</string>
</dict>
</plist>
`))

var systemdTemplate = template.Must(template.New("systemd").Parse(`[Unit]
Description=flatsync background sync
After=network-online.target

[Service]
ExecStart={{.BinaryPath}} daemon --config {{.ConfigPath}}
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`))

// ServicePath returns where the service definition for goos lives.
func ServicePath(goos, homeDir string) (string, error) {
	switch goos {
	case "darwin":
		return filepath.Join(homeDir, "Library", "LaunchAgents", LaunchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(homeDir, ".config", "systemd", "user", SystemdUnit), nil
	}
	return "", fmt.Errorf("background service is not supported on %s", goos)
}

// LogDir returns the log directory used by the launchd job. systemd logs go
// to the journal.
func LogDir(homeDir string) string {
	return filepath.Join(homeDir, "Library", "Logs", BinaryName)
}

// RenderService renders the service definition for goos.
func RenderService(goos, homeDir, binaryPath, configPath string) ([]byte, error) {
	data := serviceData{
		Label:      LaunchdLabel,
		BinaryPath: binaryPath,
		ConfigPath: configPath,
		LogDir:     LogDir(homeDir),
	}

	var tmpl *template.Template
	switch goos {
	case "darwin":
		tmpl = launchdTemplate
	case "linux":
		tmpl = systemdTemplate
	default:
		return nil, fmt.Errorf("background service is not supported on %s", goos)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering service definition: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteService renders and writes the service definition, returning its path.
func WriteService(goos, homeDir, binaryPath, configPath string) (string, error) {
	dest, err := ServicePath(goos, homeDir)
	if err != nil {
		return "", err
	}
	data, err := RenderService(goos, homeDir, binaryPath, configPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if goos == "darwin" {
		if err := os.MkdirAll(LogDir(homeDir), 0o755); err != nil {
			return "", fmt.Errorf("creating log directory: %w", err)
		}
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("writing service definition to %s: %w", dest, err)
	}
	return dest, nil
}

// StartService loads the written service so the daemon starts immediately.
// If it is already loaded, it is reloaded.
func StartService(goos, homeDir string) error {
	path, err := ServicePath(goos, homeDir)
	if err != nil {
		return err
	}
	switch goos {
	case "darwin":
		_ = run("launchctl", "unload", path) // ignore error if not loaded
		return run("launchctl", "load", path)
	default:
		if err := run("systemctl", "--user", "daemon-reload"); err != nil {
			return err
		}
		return run("systemctl", "--user", "enable", "--now", SystemdUnit)
	}
}

// StopService unloads the service and removes its definition.
func StopService(goos, homeDir string) error {
	path, err := ServicePath(goos, homeDir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // nothing installed
	}
	switch goos {
	case "darwin":
		if err := run("launchctl", "unload", path); err != nil {
			return err
		}
	default:
		if err := run("systemctl", "--user", "disable", "--now", SystemdUnit); err != nil {
			return err
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// ExecutablePath returns the resolved path of the running binary.
func ExecutablePath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving current executable path: %w", err)
	}
	// Resolve symlinks so the service points at the actual binary.
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return "", fmt.Errorf("resolving executable symlinks: %w", err)
	}
	return self, nil
}

func run(name string, args ...string) error {
	//nolint:gosec // fixed command names, user-controlled paths
	cmd := exec.Command(name, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}
