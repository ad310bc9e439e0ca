// Package autostart installs amaloop as a per-user background service:
// a systemd user unit on Linux, a LaunchAgent on macOS.
package autostart

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	appName = "amaloop"

	osLinux  = "linux"
	osDarwin = "darwin"
)

// Service describes the command the service manager starts
type Service struct {
	GOOS string
	// Home is the user home directory; ConfigHome the XDG config directory
	Home       string
	ConfigHome string
	ExecPath   string
	Args       []string
}

// ForCurrentUser returns a service running the current executable with args
func ForCurrentUser(args ...string) (*Service, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		configHome = filepath.Join(home, ".config")
	}
	execPath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return &Service{GOOS: runtime.GOOS, Home: home, ConfigHome: configHome, ExecPath: execPath, Args: args}, nil
}

// Path returns the unit or plist location
func (s *Service) Path() (string, error) {
	switch s.GOOS {
	case osLinux:
		return filepath.Join(s.ConfigHome, "systemd", "user", appName+".service"), nil
	case osDarwin:
		return filepath.Join(s.Home, "Library", "LaunchAgents", "com."+appName+".plist"), nil
	default:
		return "", fmt.Errorf("unsupported platform: %s", s.GOOS)
	}
}

// IsEnabled checks whether the service file exists
func (s *Service) IsEnabled() (bool, error) {
	path, err := s.Path()
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	return err == nil, nil
}

// Enable writes the service file and returns its path. The service
// manager still has to load it.
func (s *Service) Enable() (string, error) {
	path, err := s.Path()
	if err != nil {
		return "", err
	}
	var content string
	if s.GOOS == osDarwin {
		content = s.plist()
	} else {
		content = s.unit()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(content), 0o600)
}

// Disable removes the service file; a missing file is not an error
func (s *Service) Disable() error {
	path, err := s.Path()
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Hint returns the command that activates the installed service
func (s *Service) Hint() string {
	if s.GOOS == osDarwin {
		path, _ := s.Path()
		return "launchctl load " + path
	}
	return "systemctl --user daemon-reload && systemctl --user enable --now " + appName
}

func (s *Service) unit() string {
	return fmt.Sprintf(`[Unit]
Description=amaloop closed-loop basal decision engine
After=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=30

[Install]
WantedBy=default.target
`, strings.Join(append([]string{s.ExecPath}, s.Args...), " "))
}

func (s *Service) plist() string {
	var args strings.Builder
	for _, a := range append([]string{s.ExecPath}, s.Args...) {
		fmt.Fprintf(&args, "        <string>%s</string>\n", a)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
</dict>
</plist>
`, appName, args.String())
}
