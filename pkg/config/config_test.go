package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	t.Setenv("BUILDMAGIC_OUTPUT", "")
	t.Setenv("BUILDMAGIC_TIMEOUT", "")
	t.Setenv("BUILDMAGIC_LOG_LEVEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Output != "tty" || cfg.Timeout != 0 || cfg.LogLevel != "warn" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestConfigFileValues(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	t.Setenv("BUILDMAGIC_OUTPUT", "")
	t.Setenv("BUILDMAGIC_TIMEOUT", "")
	t.Setenv("BUILDMAGIC_LOG_LEVEL", "")

	writeUserConfig(t, home, "output: basic\ntimeout: 90\nverbose: true\nlog_level: debug\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Output != "basic" || cfg.Timeout != 90*time.Second || !cfg.Verbose || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestConfigEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	writeUserConfig(t, home, "output: basic\ntimeout: 90\n")

	t.Setenv("BUILDMAGIC_OUTPUT", "silent")
	t.Setenv("BUILDMAGIC_TIMEOUT", "5")
	t.Setenv("BUILDMAGIC_LOG_LEVEL", "info")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Output != "silent" || cfg.Timeout != 5*time.Second || cfg.LogLevel != "info" {
		t.Fatalf("expected env values to win, got %+v", cfg)
	}
}

func TestConfigRejectsBadTimeout(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	t.Setenv("BUILDMAGIC_TIMEOUT", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("expected timeout parse error")
	}
}

func TestConfigRejectsMalformedFile(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	writeUserConfig(t, home, "output: [unclosed\n")

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func writeUserConfig(t *testing.T, home, content string) {
	t.Helper()
	dir := filepath.Join(home, ".buildmagic")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
