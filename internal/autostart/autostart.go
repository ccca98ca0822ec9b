// Package autostart registers the tray command to run at login
package autostart

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	appName        = "nightscout-chart"
	appDisplayName = "Nightscout Chart"
	runKey         = `HKCU\Software\Microsoft\Windows\CurrentVersion\Run`

	osLinux   = "linux"
	osWindows = "windows"
	osDarwin  = "darwin"
)

// Launcher writes and removes login entries for one platform
type Launcher struct {
	goos    string
	home    string
	xdg     string
	command []string
	// run executes a helper program (reg, launchctl)
	run func(name string, args ...string) error
}

// New returns a launcher that starts the running executable with the tray
// subcommand
func New() (*Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Launcher{
		goos:    runtime.GOOS,
		home:    home,
		xdg:     os.Getenv("XDG_CONFIG_HOME"),
		command: []string{exe, "tray"},
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run() //nolint:gosec // fixed helper programs
		},
	}, nil
}

// Set enables or disables the login entry
func (l *Launcher) Set(enabled bool) error {
	if enabled {
		return l.Enable()
	}
	return l.Disable()
}

// Enable adds the login entry
func (l *Launcher) Enable() error {
	switch l.goos {
	case osLinux:
		return writeFile(l.desktopPath(), l.desktopEntry())
	case osDarwin:
		return writeFile(l.plistPath(), l.plist())
	case osWindows:
		return l.run("reg", "add", runKey, "/v", appName, "/t", "REG_SZ", "/d", l.windowsCommand(), "/f")
	}
	return fmt.Errorf("unsupported platform: %s", l.goos)
}

// Disable removes the login entry; a missing entry is not an error
func (l *Launcher) Disable() error {
	switch l.goos {
	case osLinux:
		return removeFile(l.desktopPath())
	case osDarwin:
		// unload fails when the agent is not loaded
		_ = l.run("launchctl", "unload", l.plistPath())
		return removeFile(l.plistPath())
	case osWindows:
		err := l.run("reg", "delete", runKey, "/v", appName, "/f")
		if err != nil && strings.Contains(err.Error(), "not exist") {
			return nil
		}
		return err
	}
	return fmt.Errorf("unsupported platform: %s", l.goos)
}

// Enabled reports whether the login entry exists
func (l *Launcher) Enabled() (bool, error) {
	switch l.goos {
	case osLinux:
		return exists(l.desktopPath())
	case osDarwin:
		return exists(l.plistPath())
	case osWindows:
		return l.run("reg", "query", runKey, "/v", appName) == nil, nil
	}
	return false, fmt.Errorf("unsupported platform: %s", l.goos)
}

func (l *Launcher) desktopPath() string {
	dir := l.xdg
	if dir == "" {
		dir = filepath.Join(l.home, ".config")
	}
	return filepath.Join(dir, "autostart", appName+".desktop")
}

func (l *Launcher) desktopEntry() string {
	return fmt.Sprintf(`[Desktop Entry]
Type=Application
Name=%s
Exec=%s
Icon=%s
Comment=Nightscout glucose chart in the tray
Categories=Utility;
Terminal=false
StartupNotify=false
X-GNOME-Autostart-enabled=true
`, appDisplayName, strings.Join(l.command, " "), appName)
}

func (l *Launcher) plistPath() string {
	return filepath.Join(l.home, "Library", "LaunchAgents", "com."+appName+".plist")
}

func (l *Launcher) plist() string {
	var args strings.Builder
	for _, a := range l.command {
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
    <false/>
</dict>
</plist>
`, appName, args.String())
}

func (l *Launcher) windowsCommand() string {
	parts := make([]string, len(l.command))
	for i, p := range l.command {
		if strings.ContainsRune(p, ' ') {
			p = `"` + p + `"`
		}
		parts[i] = p
	}
	return strings.Join(parts, " ")
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0600)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
