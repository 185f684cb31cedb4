// Package daemon runs cityminer as a background service under the platform's
// user service manager (launchd on macOS, systemd on Linux).
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/sodmax/cityverse-miner/internal/config"
	"github.com/sodmax/cityverse-miner/internal/miner"
)

const (
	label       = "app.sodmax.cityminer"
	serviceName = "cityminer"
)

// Manager defines platform-specific service management operations.
type Manager interface {
	Install() error
	Uninstall() error
	Start() error
	Stop() error
	Restart() error
	Status() (*Status, error)
}

// Status describes the current state of the background service.
type Status struct {
	Installed bool
	Running   bool
	PID       int
	LogPath   string
}

// LogPath returns the service log file path.
func LogPath() string {
	return filepath.Join(config.Dir(), "cityminer.log")
}

// ExecPath returns the resolved absolute path of the running binary.
func ExecPath() (string, error) {
	p, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot locate binary: %w", err)
	}
	p, err = filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("cannot resolve binary path: %w", err)
	}
	return p, nil
}

// serviceDef is what every service definition needs to know.
type serviceDef struct {
	Label   string
	Exec    string
	Args    []string
	LogPath string
	Home    string
}

func newServiceDef() (serviceDef, error) {
	execPath, err := ExecPath()
	if err != nil {
		return serviceDef{}, err
	}
	logPath := LogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return serviceDef{}, fmt.Errorf("create log directory: %w", err)
	}
	return serviceDef{
		Label:   label,
		Exec:    execPath,
		Args:    []string{"run", "--auto", "--no-web"},
		LogPath: logPath,
		Home:    config.Dir(),
	}, nil
}

var systemdUnit = template.Must(template.New("unit").Parse(`[Unit]
Description=Cityverse mining engine
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
Environment=CITYMINER_HOME={{.Home}}
ExecStart={{.Exec}}{{range .Args}} {{.}}{{end}}
Restart=on-failure
RestartSec=30
StandardOutput=append:{{.LogPath}}
StandardError=append:{{.LogPath}}

[Install]
WantedBy=default.target
`))

var launchdPlist = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN"
  "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>EnvironmentVariables</key>
    <dict>
        <key>CITYMINER_HOME</key>
        <string>{{.Home}}</string>
    </dict>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}</string>
</dict>
</plist>
`))

func render(t *template.Template, def serviceDef) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, def); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

// writeDefinition renders def into path, creating parent directories.
func writeDefinition(path string, t *template.Template, def serviceDef) error {
	data, err := render(t, def)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func installed(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// run executes a service manager command, folding its output into the error.
func run(name string, args ...string) error {
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %s (%w)", name, args[0], bytes.TrimSpace(out), err)
	}
	return nil
}

// runningPID reports the engine's PID from its lock file.
func runningPID() (int, bool) {
	return miner.LockedPID(config.Dir())
}
