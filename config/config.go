package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config captures everything one export run needs. Values are layered:
// defaults, then an optional config file, then IMAPCSV_* environment
// variables, then flags.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string

	Since      string
	Before     string
	Sender     string
	Subject    string
	UnseenOnly bool

	BatchSize int
	Limit     int
	Timeout   time.Duration

	Output        string
	AttachmentDir string
	MboxArchive   string
	StateDir      string
	MaxBodyChars  int

	DryRun          bool
	MarkSeen        bool
	SkipAttachments bool
	NoState         bool

	LogLevel string
	LogDir   string

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

const envPrefix = "IMAPCSV"

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("config", "", "Optional config file (yaml, toml or json)")
	flags.String("host", "", "IMAP server hostname")
	flags.Int("port", 993, "IMAP server port")
	flags.String("user", "", "IMAP username")
	flags.String("password", "", "IMAP password (falls back to IMAPCSV_PASSWORD env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "INBOX", "IMAP folder to export")
	flags.String("since", "", "Only messages on or after this date (YYYY-MM-DD)")
	flags.String("before", "", "Only messages on or before this date (YYYY-MM-DD)")
	flags.String("from", "", "Only messages whose From header contains this text")
	flags.String("subject", "", "Only messages whose Subject contains this text")
	flags.Bool("unseen-only", false, "Only messages not yet marked as read")
	flags.Int("batch-size", 50, "Messages fetched per IMAP round-trip")
	flags.Int("limit", 0, "Export at most the N newest matching messages (0 = all)")
	flags.Duration("timeout", 60*time.Second, "Timeout per IMAP round-trip")
	flags.String("output", "export.csv", "Path of the CSV export file")
	flags.String("attachment-dir", "attachments", "Directory for extracted attachments")
	flags.String("mbox-archive", "", "Optional mbox file to append raw copies of all exported messages")
	flags.String("state-dir", defaultStateDir, "Directory for incremental export state files")
	flags.Int("max-body-chars", 0, "Truncate body text to this many characters (0 = default cap)")
	flags.Bool("dry-run", false, "Search and report matches without fetching or writing anything")
	flags.Bool("mark-seen", false, "Mark exported messages as read on the server")
	flags.Bool("no-attachments", false, "Skip saving attachments to disk (metadata still appears in the CSV)")
	flags.Bool("no-state", false, "Do not persist export state; every run exports all matches again")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (empty logs to stdout only)")
	flags.StringArray("include-header", nil, "Regex allow-list applied to raw message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to raw message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to raw message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to raw message bodies (mutually exclusive with include flags)")

	return nil
}

// Load layers flags, environment and the optional config file into a
// validated Config.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		IMAPHost:           v.GetString("host"),
		IMAPPort:           v.GetInt("port"),
		IMAPUser:           v.GetString("user"),
		IMAPPass:           v.GetString("password"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Folder:             v.GetString("folder"),
		Since:              v.GetString("since"),
		Before:             v.GetString("before"),
		Sender:             v.GetString("from"),
		Subject:            v.GetString("subject"),
		UnseenOnly:         v.GetBool("unseen-only"),
		BatchSize:          v.GetInt("batch-size"),
		Limit:              v.GetInt("limit"),
		Timeout:            v.GetDuration("timeout"),
		Output:             v.GetString("output"),
		AttachmentDir:      v.GetString("attachment-dir"),
		MboxArchive:        v.GetString("mbox-archive"),
		StateDir:           filepath.Clean(v.GetString("state-dir")),
		MaxBodyChars:       v.GetInt("max-body-chars"),
		DryRun:             v.GetBool("dry-run"),
		MarkSeen:           v.GetBool("mark-seen"),
		SkipAttachments:    v.GetBool("no-attachments"),
		NoState:            v.GetBool("no-state"),
		LogLevel:           logLevel,
		LogDir:             v.GetString("log-dir"),
		IncludeHeader:      v.GetStringSlice("include-header"),
		IncludeBody:        v.GetStringSlice("include-body"),
		ExcludeHeader:      v.GetStringSlice("exclude-header"),
		ExcludeBody:        v.GetStringSlice("exclude-body"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAPHost == "" {
		return errors.New("--host is required")
	}
	if cfg.IMAPUser == "" {
		return errors.New("--user is required")
	}
	if cfg.IMAPPass == "" {
		return errors.New("IMAP password must be provided via --password or IMAPCSV_PASSWORD env var")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return errors.New("--port must be between 1 and 65535")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("--batch-size must be positive")
	}
	if cfg.Limit < 0 {
		return errors.New("--limit must not be negative")
	}
	if cfg.Output == "" {
		return errors.New("--output must not be empty")
	}
	if cfg.AttachmentDir == "" {
		return errors.New("--attachment-dir must not be empty")
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return errors.New("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// LogAttrs returns the config as structured log attributes. The password
// is deliberately absent: no code path may log it.
func (c Config) LogAttrs() []any {
	return []any{
		"host", c.IMAPHost,
		"port", c.IMAPPort,
		"user", c.IMAPUser,
		"folder", c.Folder,
		"output", c.Output,
		"attachmentDir", c.AttachmentDir,
		"batchSize", c.BatchSize,
		"limit", c.Limit,
		"dryRun", c.DryRun,
		"markSeen", c.MarkSeen,
	}
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imap-to-csv", "state"), nil
}
