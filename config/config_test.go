package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	for _, b := range bindings {
		for _, env := range b.envs {
			t.Setenv(env, "")
		}
	}

	cmd := &cobra.Command{Use: "test"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return cmd
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	cmd := newCommand(t)
	t.Setenv("EMAIL_HOST", "imap.example.com")
	t.Setenv("EMAIL_PORT", "1993")
	t.Setenv("EMAIL_USER", "me@example.com")
	t.Setenv("EMAIL_PASSWORD", "secret")
	t.Setenv("EMAIL_USE_TLS", "false")
	t.Setenv("JEN2_UPDATE_URL", "http://jen2.local/update")
	t.Setenv("TRIGGER_TIMEOUT", "45s")

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.IMAPHost != "imap.example.com" || cfg.IMAPPort != 1993 || cfg.IMAPUser != "me@example.com" || cfg.IMAPPass != "secret" {
		t.Errorf("mailbox settings = %+v", cfg)
	}
	if cfg.UseTLS {
		t.Error("UseTLS should be false from EMAIL_USE_TLS")
	}
	if cfg.TriggerURL != "http://jen2.local/update" {
		t.Errorf("TriggerURL = %q", cfg.TriggerURL)
	}
	if cfg.TriggerTimeout != 45*time.Second {
		t.Errorf("TriggerTimeout = %v", cfg.TriggerTimeout)
	}
	if cfg.Folder != "INBOX" || cfg.Schedule != "*/1 * * * *" || cfg.LogLevel != "info" {
		t.Errorf("defaults = %+v", cfg)
	}
	if !filepath.IsAbs(cfg.DataDir) || filepath.Base(cfg.DataDir) != "data" {
		t.Errorf("DataDir = %q, want absolute path ending in data", cfg.DataDir)
	}
}

func TestLoadConfig_FlagOverridesEnvironment(t *testing.T) {
	cmd := newCommand(t,
		"--imap-host", "flag.example.com",
		"--imap-user", "u",
		"--imap-pass", "p",
		"--trigger-url", "https://flag.example.com/hook",
		"--log-level", "WARNING",
	)
	t.Setenv("EMAIL_HOST", "env.example.com")
	t.Setenv("TRIGGER_URL", "https://env.example.com/hook")
	t.Setenv("JEN2_UPDATE_URL", "https://legacy.example.com/hook")

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.IMAPHost != "flag.example.com" {
		t.Errorf("IMAPHost = %q", cfg.IMAPHost)
	}
	if cfg.TriggerURL != "https://flag.example.com/hook" {
		t.Errorf("TriggerURL = %q", cfg.TriggerURL)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadConfig_TriggerEnvPrecedence(t *testing.T) {
	cmd := newCommand(t, "--mbox", "inbox.mbox")
	t.Setenv("TRIGGER_URL", "https://new.example.com/hook")
	t.Setenv("JEN2_UPDATE_URL", "https://legacy.example.com/hook")

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.TriggerURL != "https://new.example.com/hook" {
		t.Errorf("TriggerURL = %q", cfg.TriggerURL)
	}
}

func TestLoadConfig_KeyringFallback(t *testing.T) {
	orig := keyringPassword
	t.Cleanup(func() { keyringPassword = orig })

	var asked string
	keyringPassword = func(user string) (string, error) {
		asked = user
		return "from-keyring", nil
	}

	cmd := newCommand(t, "--imap-host", "h", "--imap-user", "me", "--keyring")
	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.IMAPPass != "from-keyring" || asked != "me" {
		t.Errorf("IMAPPass = %q, asked for %q", cfg.IMAPPass, asked)
	}

	keyringPassword = func(string) (string, error) { return "", errors.New("no backend") }
	cmd = newCommand(t, "--imap-host", "h", "--imap-user", "me", "--keyring")
	if _, err := LoadConfig(cmd); err == nil || !strings.Contains(err.Error(), "keyring") {
		t.Errorf("LoadConfig() error = %v, want keyring error", err)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing host", args: []string{"--imap-user", "u", "--imap-pass", "p"}, want: "imap-host"},
		{name: "missing user", args: []string{"--imap-host", "h", "--imap-pass", "p"}, want: "imap-user"},
		{name: "missing password", args: []string{"--imap-host", "h", "--imap-user", "u"}, want: "password"},
		{name: "bad port", args: []string{"--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--imap-port", "70000"}, want: "imap-port"},
		{name: "bad trigger url", args: []string{"--mbox", "m", "--trigger-url", "ftp://x/y"}, want: "trigger-url"},
		{name: "relative trigger url", args: []string{"--mbox", "m", "--trigger-url", "/update"}, want: "trigger-url"},
		{name: "zero timeout", args: []string{"--mbox", "m", "--trigger-timeout", "0s"}, want: "trigger-timeout"},
		{name: "bad log level", args: []string{"--mbox", "m", "--log-level", "trace"}, want: "log-level"},
		{name: "empty data dir", args: []string{"--mbox", "m", "--data-dir", ""}, want: "data-dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newCommand(t, tt.args...)
			_, err := LoadConfig(cmd)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig_MboxModeNeedsNoCredentials(t *testing.T) {
	cmd := newCommand(t, "--mbox", "archive.mbox", "--once")

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.MboxPath != "archive.mbox" || !cfg.Once {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOTENV_BASE", "")
	t.Setenv("DOTENV_SHARED", "")
	os.Unsetenv("DOTENV_BASE")
	os.Unsetenv("DOTENV_SHARED")

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DOTENV_BASE=base\nDOTENV_SHARED=from-env\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env.local"), []byte("DOTENV_SHARED=from-local\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := LoadDotEnv(dir); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("DOTENV_BASE"); got != "base" {
		t.Errorf("DOTENV_BASE = %q", got)
	}
	if got := os.Getenv("DOTENV_SHARED"); got != "from-local" {
		t.Errorf("DOTENV_SHARED = %q, want .env.local to win", got)
	}
}

func TestLoadDotEnv_MissingFiles(t *testing.T) {
	if err := LoadDotEnv(t.TempDir()); err != nil {
		t.Errorf("LoadDotEnv() error = %v", err)
	}
}
