package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-xlsx-ingest/credential"
)

// Config captures all options required to run the ingest daemon.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	MboxPath           string
	DataDir            string
	TriggerURL         string
	TriggerTimeout     time.Duration
	Schedule           string
	Once               bool
	HistoryDB          string
	MetricsAddr        string
	UseKeyring         bool
	LogLevel           string
	LogDir             string
}

// binding ties a flag to the environment names it can also be read from.
// Earlier names win.
type binding struct {
	flag string
	envs []string
}

var bindings = []binding{
	{flag: "imap-host", envs: []string{"EMAIL_HOST"}},
	{flag: "imap-port", envs: []string{"EMAIL_PORT"}},
	{flag: "imap-user", envs: []string{"EMAIL_USER"}},
	{flag: "imap-pass", envs: []string{"EMAIL_PASSWORD"}},
	{flag: "use-tls", envs: []string{"EMAIL_USE_TLS"}},
	{flag: "insecure-skip-verify", envs: []string{"EMAIL_INSECURE_SKIP_VERIFY"}},
	{flag: "folder", envs: []string{"EMAIL_FOLDER"}},
	{flag: "mbox", envs: []string{"MBOX_PATH"}},
	{flag: "data-dir", envs: []string{"DATA_DIR"}},
	{flag: "trigger-url", envs: []string{"TRIGGER_URL", "JEN2_UPDATE_URL"}},
	{flag: "trigger-timeout", envs: []string{"TRIGGER_TIMEOUT"}},
	{flag: "schedule", envs: []string{"SCHEDULE"}},
	{flag: "once", envs: []string{"RUN_ONCE"}},
	{flag: "history-db", envs: []string{"HISTORY_DB"}},
	{flag: "metrics-addr", envs: []string{"METRICS_ADDR"}},
	{flag: "keyring", envs: []string{"USE_KEYRING"}},
	{flag: "log-level", envs: []string{"LOG_LEVEL"}},
	{flag: "log-dir", envs: []string{"LOG_DIR"}},
}

// keyringPassword is replaced in tests.
var keyringPassword = credential.Password

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname (EMAIL_HOST)")
	flags.Int("imap-port", 993, "IMAP server port (EMAIL_PORT)")
	flags.String("imap-user", "", "IMAP username (EMAIL_USER)")
	flags.String("imap-pass", "", "IMAP password (EMAIL_PASSWORD)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection (EMAIL_USE_TLS)")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "INBOX", "Mailbox folder to search")
	flags.String("mbox", "", "Read messages from a local mbox file instead of IMAP")
	flags.String("data-dir", "data", "Directory receiving the stored attachments")
	flags.String("trigger-url", "", "Downstream URL notified after new files were stored (JEN2_UPDATE_URL)")
	flags.Duration("trigger-timeout", 30*time.Second, "Timeout for the downstream notification")
	flags.String("schedule", "*/1 * * * *", "Cron expression for polling ticks")
	flags.Bool("once", false, "Run a single tick and exit")
	flags.String("history-db", "", "SQLite file journaling tick results (disabled when empty)")
	flags.String("metrics-addr", "", "Listen address for the Prometheus /metrics endpoint (disabled when empty)")
	flags.Bool("keyring", false, "Read the IMAP password from the system keyring when not set")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Optional directory receiving a copy of the log")

	for _, b := range bindings {
		if flags.Lookup(b.flag) == nil {
			return fmt.Errorf("binding for unknown flag %q", b.flag)
		}
	}
	return nil
}

// LoadDotEnv loads .env, then lets .env.local override it. Missing files are
// ignored. Variables already present in the process environment win over .env.
func LoadDotEnv(dir string) error {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := godotenv.Overload(filepath.Join(dir, ".env.local")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	return nil
}

// LoadConfig resolves flags and environment into a validated Config. An
// explicitly set flag beats the environment, which beats the flag default.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	flags := cmd.Flags()
	for _, b := range bindings {
		if err := v.BindPFlag(b.flag, flags.Lookup(b.flag)); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", b.flag, err)
		}
		if err := v.BindEnv(append([]string{b.flag}, b.envs...)...); err != nil {
			return Config{}, fmt.Errorf("bind env for %s: %w", b.flag, err)
		}
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           strings.TrimSpace(v.GetString("imap-user")),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Folder:             strings.TrimSpace(v.GetString("folder")),
		MboxPath:           strings.TrimSpace(v.GetString("mbox")),
		DataDir:            strings.TrimSpace(v.GetString("data-dir")),
		TriggerURL:         strings.TrimSpace(v.GetString("trigger-url")),
		TriggerTimeout:     v.GetDuration("trigger-timeout"),
		Schedule:           strings.TrimSpace(v.GetString("schedule")),
		Once:               v.GetBool("once"),
		HistoryDB:          strings.TrimSpace(v.GetString("history-db")),
		MetricsAddr:        strings.TrimSpace(v.GetString("metrics-addr")),
		UseKeyring:         v.GetBool("keyring"),
		LogLevel:           strings.ToLower(strings.TrimSpace(v.GetString("log-level"))),
		LogDir:             strings.TrimSpace(v.GetString("log-dir")),
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}

	if cfg.IMAPPass == "" && cfg.UseKeyring && cfg.MboxPath == "" {
		pass, err := keyringPassword(cfg.IMAPUser)
		if err != nil {
			return Config{}, fmt.Errorf("IMAP password not set and keyring lookup failed: %w", err)
		}
		cfg.IMAPPass = pass
	}

	if cfg.DataDir != "" {
		abs, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return Config{}, fmt.Errorf("resolve --data-dir: %w", err)
		}
		cfg.DataDir = abs
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host or EMAIL_HOST is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user or EMAIL_USER is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, EMAIL_PASSWORD or --keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("--data-dir must not be empty")
	}
	if cfg.TriggerURL != "" {
		u, err := url.Parse(cfg.TriggerURL)
		if err != nil {
			return fmt.Errorf("invalid --trigger-url: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid --trigger-url %q: want an http(s) URL", cfg.TriggerURL)
		}
	}
	if cfg.TriggerTimeout <= 0 {
		return fmt.Errorf("--trigger-timeout must be positive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
