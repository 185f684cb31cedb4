//go:build darwin

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
)

// New returns a macOS LaunchAgent service manager.
func New() (Manager, error) {
	return &launchdManager{}, nil
}

type launchdManager struct{}

func plistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", label+".plist")
}

func (m *launchdManager) Install() error {
	def, err := newServiceDef()
	if err != nil {
		return err
	}
	if err := writeDefinition(plistPath(), launchdPlist, def); err != nil {
		return err
	}
	return run("launchctl", "load", "-w", plistPath())
}

func (m *launchdManager) Uninstall() error {
	if !installed(plistPath()) {
		return fmt.Errorf("service not installed")
	}
	_ = run("launchctl", "unload", plistPath())
	if err := os.Remove(plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (m *launchdManager) Start() error { return run("launchctl", "start", label) }
func (m *launchdManager) Stop() error  { return run("launchctl", "stop", label) }

func (m *launchdManager) Restart() error {
	_ = m.Stop()
	return m.Start()
}

func (m *launchdManager) Status() (*Status, error) {
	s := &Status{LogPath: LogPath(), Installed: installed(plistPath())}
	s.PID, s.Running = runningPID()
	return s, nil
}
