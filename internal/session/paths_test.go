package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirHonoursPulseHome(t *testing.T) {
	base := t.TempDir()
	t.Setenv("PULSE_HOME", base)

	got := Dir("main")
	want := filepath.Join(base, "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
	if ConfigPath() != filepath.Join(base, "config.toml") {
		t.Errorf("ConfigPath() = %q", ConfigPath())
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv("PULSE_HOME", "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".pulse"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestSessionFiles(t *testing.T) {
	tests := []struct {
		got    string
		suffix string
	}{
		{SocketPath("test"), filepath.Join("sessions", "test", "pulsed.sock")},
		{LockPath("test"), filepath.Join("sessions", "test", "pulsed.lock")},
		{JournalPath("test"), filepath.Join("sessions", "test", "journal.db")},
		{LogPath("test"), filepath.Join("sessions", "test", "logs", "pulsed.log")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("%q does not end with %q", tt.got, tt.suffix)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("PULSE_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}
