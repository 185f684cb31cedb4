//go:build linux

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
)

// New returns a Linux systemd user service manager.
func New() (Manager, error) {
	return &systemdManager{}, nil
}

type systemdManager struct{}

func unitPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", serviceName+".service")
}

func systemctl(args ...string) error {
	return run("systemctl", append([]string{"--user"}, args...)...)
}

func (m *systemdManager) Install() error {
	def, err := newServiceDef()
	if err != nil {
		return err
	}
	if err := writeDefinition(unitPath(), systemdUnit, def); err != nil {
		return err
	}
	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", serviceName)
}

func (m *systemdManager) Uninstall() error {
	if !installed(unitPath()) {
		return fmt.Errorf("service not installed")
	}
	_ = systemctl("disable", "--now", serviceName)
	if err := os.Remove(unitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	_ = systemctl("daemon-reload")
	return nil
}

func (m *systemdManager) Start() error   { return systemctl("start", serviceName) }
func (m *systemdManager) Stop() error    { return systemctl("stop", serviceName) }
func (m *systemdManager) Restart() error { return systemctl("restart", serviceName) }

func (m *systemdManager) Status() (*Status, error) {
	s := &Status{LogPath: LogPath(), Installed: installed(unitPath())}
	s.PID, s.Running = runningPID()
	return s, nil
}
