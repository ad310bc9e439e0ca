package autostart

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testService(t *testing.T, goos string) *Service {
	t.Helper()
	home := t.TempDir()
	return &Service{
		GOOS:       goos,
		Home:       home,
		ConfigHome: filepath.Join(home, ".config"),
		ExecPath:   "/usr/local/bin/amaloop",
		Args:       []string{"run", "--config", "/etc/amaloop.yaml"},
	}
}

func TestService_LinuxUnit(t *testing.T) {
	s := testService(t, osLinux)

	enabled, err := s.IsEnabled()
	if err != nil || enabled {
		t.Fatalf("IsEnabled() = %v, %v before install", enabled, err)
	}

	path, err := s.Enable()
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if want := filepath.Join(s.ConfigHome, "systemd", "user", "amaloop.service"); path != want {
		t.Errorf("path = %s, want %s", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ExecStart=/usr/local/bin/amaloop run --config /etc/amaloop.yaml") {
		t.Errorf("unit missing ExecStart:\n%s", data)
	}
	if !strings.Contains(string(data), "Restart=on-failure") {
		t.Error("unit should restart on failure")
	}

	if enabled, _ := s.IsEnabled(); !enabled {
		t.Error("IsEnabled() = false after Enable")
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if enabled, _ := s.IsEnabled(); enabled {
		t.Error("IsEnabled() = true after Disable")
	}
	if err := s.Disable(); err != nil {
		t.Errorf("second Disable() error = %v", err)
	}
}

func TestService_MacOSPlist(t *testing.T) {
	s := testService(t, osDarwin)

	path, err := s.Enable()
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("Library", "LaunchAgents", "com.amaloop.plist")) {
		t.Errorf("path = %s", path)
	}
	data, _ := os.ReadFile(path)
	for _, want := range []string{"<string>/usr/local/bin/amaloop</string>", "<string>run</string>", "<key>KeepAlive</key>"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("plist missing %q", want)
		}
	}
	if !strings.HasPrefix(s.Hint(), "launchctl load") {
		t.Errorf("Hint() = %s", s.Hint())
	}
}

func TestService_Unsupported(t *testing.T) {
	s := testService(t, "plan9")
	if _, err := s.Enable(); err == nil {
		t.Error("Enable() should fail on unsupported platform")
	}
	if _, err := s.IsEnabled(); err == nil {
		t.Error("IsEnabled() should fail on unsupported platform")
	}
}
