package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config captures the options of a conversion run.
type Config struct {
	InputPath     string
	OutputDir     string
	Workers       int
	Timeout       time.Duration
	OCR           bool
	PageSize      string
	Dedupe        bool
	Since         time.Time
	Until         time.Time
	KeepTemp      bool
	Resume        bool
	Bookmarks     bool
	MaxDepth      int
	LogLevel      string
	LogFile       string
	ToolsFile     string
	Tools         Tools
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Tools overrides external tool paths and timeouts. Loaded from --tools.
type Tools struct {
	Readpst            string        `yaml:"readpst"`
	Soffice            string        `yaml:"soffice"`
	Tesseract          string        `yaml:"tesseract"`
	PSTHelper          string        `yaml:"pst_helper"`
	UnpackTimeout      time.Duration `yaml:"unpack_timeout"`
	OfficeTimeout      time.Duration `yaml:"office_timeout"`
	SpreadsheetTimeout time.Duration `yaml:"spreadsheet_timeout"`
	OCRTimeout         time.Duration `yaml:"ocr_timeout"`
}

// WriterConfig selects the output archive of the reconciliation commands.
type WriterConfig struct {
	Output             string
	Format             string
	StateDir           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
	PSTHelper          string
}

// FilterConfig holds the predicates of the filter command.
type FilterConfig struct {
	Senders          []string
	SenderDomains    []string
	Recipients       []string
	RecipientDomains []string
	IncludeCc        bool
	IncludeBcc       bool
	Subject          string
	Since            time.Time
	Until            time.Time
	Match            string
	IncludeHeader    []string
	IncludeBody      []string
	ExcludeHeader    []string
	ExcludeBody      []string
}

const (
	PageSizeLetter = "Letter"
	PageSizeA4     = "A4"

	MatchAll = "all"
	MatchAny = "any"
)

// RegisterRootFlags attaches flags shared by every command.
func RegisterRootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "info", "Logging level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-file", "", "Also append console log records to this file")
}

// LoadLogFile returns the cleaned --log-file path, or "" when unset.
func LoadLogFile(cmd *cobra.Command) (string, error) {
	logFile, err := cmd.Flags().GetString("log-file")
	if err != nil || strings.TrimSpace(logFile) == "" {
		return "", err
	}
	return filepath.Clean(logFile), nil
}

// LoadLogLevel normalises --log-level.
func LoadLogLevel(cmd *cobra.Command) (string, error) {
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return "", err
	}
	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}
	switch logLevel {
	case "debug", "info", "warn", "error":
		return logLevel, nil
	}
	return "", fmt.Errorf("invalid --log-level: %s", logLevel)
}

// RegisterFlags attaches the convert flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("input", "", "Path to an mbox, pst, eml file or a folder of eml files")
	flags.String("output", "", "Output directory")
	flags.Int("workers", runtime.NumCPU(), "Parallel render workers (capped at the CPU count)")
	flags.Duration("timeout", 2*time.Minute, "Timeout for each conversion attempt")
	flags.Bool("ocr", false, "OCR image attachments with tesseract when available")
	flags.String("page-size", PageSizeLetter, "Page size: Letter or A4")
	flags.Bool("dedupe", false, "Render only the first copy of duplicate messages")
	flags.String("since", "", "Only messages on or after this date (YYYY-MM-DD or RFC3339)")
	flags.String("until", "", "Only messages before this date (YYYY-MM-DD or RFC3339)")
	flags.Bool("keep-temp", false, "Keep the _temp working folder")
	flags.Bool("resume", true, "Skip messages already rendered into the output directory")
	flags.Bool("bookmarks", true, "Add one bookmark per message to the combined PDF")
	flags.Int("max-depth", 10, "Maximum depth of nested attached messages")
	flags.String("tools", "", "YAML file overriding external tool paths and timeouts")
	registerRegexFlags(cmd)

	if err := cmd.MarkFlagRequired("input"); err != nil {
		return err
	}
	return cmd.MarkFlagRequired("output")
}

func registerRegexFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

func loadRegexFlags(cmd *cobra.Command) (includeHeader, includeBody, excludeHeader, excludeBody []string, err error) {
	flags := cmd.Flags()
	if includeHeader, err = flags.GetStringArray("include-header"); err != nil {
		return
	}
	if includeBody, err = flags.GetStringArray("include-body"); err != nil {
		return
	}
	if excludeHeader, err = flags.GetStringArray("exclude-header"); err != nil {
		return
	}
	excludeBody, err = flags.GetStringArray("exclude-body")
	return
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	inputPath, err := flags.GetString("input")
	if err != nil {
		return Config{}, err
	}
	outputDir, err := flags.GetString("output")
	if err != nil {
		return Config{}, err
	}
	workers, err := flags.GetInt("workers")
	if err != nil {
		return Config{}, err
	}
	timeout, err := flags.GetDuration("timeout")
	if err != nil {
		return Config{}, err
	}
	ocr, err := flags.GetBool("ocr")
	if err != nil {
		return Config{}, err
	}
	pageSize, err := flags.GetString("page-size")
	if err != nil {
		return Config{}, err
	}
	dedupe, err := flags.GetBool("dedupe")
	if err != nil {
		return Config{}, err
	}
	sinceRaw, err := flags.GetString("since")
	if err != nil {
		return Config{}, err
	}
	untilRaw, err := flags.GetString("until")
	if err != nil {
		return Config{}, err
	}
	keepTemp, err := flags.GetBool("keep-temp")
	if err != nil {
		return Config{}, err
	}
	resume, err := flags.GetBool("resume")
	if err != nil {
		return Config{}, err
	}
	bookmarks, err := flags.GetBool("bookmarks")
	if err != nil {
		return Config{}, err
	}
	maxDepth, err := flags.GetInt("max-depth")
	if err != nil {
		return Config{}, err
	}
	toolsFile, err := flags.GetString("tools")
	if err != nil {
		return Config{}, err
	}
	includeHeader, includeBody, excludeHeader, excludeBody, err := loadRegexFlags(cmd)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := LoadLogLevel(cmd)
	if err != nil {
		return Config{}, err
	}
	logFile, err := LoadLogFile(cmd)
	if err != nil {
		return Config{}, err
	}

	since, err := ParseDate(sinceRaw)
	if err != nil {
		return Config{}, fmt.Errorf("--since: %w", err)
	}
	until, err := ParseDate(untilRaw)
	if err != nil {
		return Config{}, fmt.Errorf("--until: %w", err)
	}

	var tools Tools
	if toolsFile != "" {
		tools, err = LoadTools(toolsFile)
		if err != nil {
			return Config{}, err
		}
	}

	if workers > runtime.NumCPU() {
		workers = runtime.NumCPU()
	}

	cfg := Config{
		InputPath:     filepath.Clean(inputPath),
		OutputDir:     filepath.Clean(outputDir),
		Workers:       workers,
		Timeout:       timeout,
		OCR:           ocr,
		PageSize:      normalizePageSize(pageSize),
		Dedupe:        dedupe,
		Since:         since,
		Until:         until,
		KeepTemp:      keepTemp,
		Resume:        resume,
		Bookmarks:     bookmarks,
		MaxDepth:      maxDepth,
		LogLevel:      logLevel,
		LogFile:       logFile,
		ToolsFile:     toolsFile,
		Tools:         tools,
		IncludeHeader: includeHeader,
		IncludeBody:   includeBody,
		ExcludeHeader: excludeHeader,
		ExcludeBody:   excludeBody,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.InputPath == "" || cfg.InputPath == "." {
		return fmt.Errorf("--input is required")
	}
	if cfg.OutputDir == "" || cfg.OutputDir == "." {
		return fmt.Errorf("--output is required")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
	}
	if cfg.MaxDepth <= 0 {
		return fmt.Errorf("--max-depth must be positive")
	}
	switch cfg.PageSize {
	case PageSizeLetter, PageSizeA4:
	default:
		return fmt.Errorf("invalid --page-size: %s", cfg.PageSize)
	}
	if !cfg.Since.IsZero() && !cfg.Until.IsZero() && !cfg.Since.Before(cfg.Until) {
		return fmt.Errorf("--since must be before --until")
	}
	return validateRegexModes(cfg.IncludeHeader, cfg.IncludeBody, cfg.ExcludeHeader, cfg.ExcludeBody)
}

func validateRegexModes(includeHeader, includeBody, excludeHeader, excludeBody []string) error {
	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	return nil
}

func normalizePageSize(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "letter", "":
		return PageSizeLetter
	case "a4":
		return PageSizeA4
	}
	return s
}

// LoadTools reads a YAML tool override file.
func LoadTools(path string) (Tools, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tools{}, fmt.Errorf("read tools file: %w", err)
	}
	var tools Tools
	if err := yaml.Unmarshal(data, &tools); err != nil {
		return Tools{}, fmt.Errorf("parse tools file %s: %w", path, err)
	}
	return tools, nil
}

// ParseDate accepts YYYY-MM-DD (UTC midnight) or RFC3339. Empty yields the zero time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}

// RegisterWriterFlags attaches output archive flags.
func RegisterWriterFlags(cmd *cobra.Command, defaultFormat string) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("output", "", "Output path: folder for eml, file for mbox/pst, folder name for imap")
	flags.String("format", defaultFormat, "Output format: eml, mbox, imap, pst")
	flags.String("state-dir", defaultStateDir, "Directory for the IMAP upload journal")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "INBOX", "Target IMAP folder")
	flags.Bool("dry-run", false, "Simulate IMAP uploads without sending")
	flags.String("pst-helper", "", "Path to the PST helper executable (Windows only)")
	return nil
}

// LoadWriterConfig reads the flags registered by RegisterWriterFlags.
func LoadWriterConfig(cmd *cobra.Command) (WriterConfig, error) {
	flags := cmd.Flags()
	var (
		cfg WriterConfig
		err error
	)
	if cfg.Output, err = flags.GetString("output"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.Format, err = flags.GetString("format"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.StateDir, err = flags.GetString("state-dir"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.IMAPHost, err = flags.GetString("imap-host"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.IMAPPort, err = flags.GetInt("imap-port"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.IMAPUser, err = flags.GetString("imap-user"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.IMAPPass, err = flags.GetString("imap-pass"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.UseTLS, err = flags.GetBool("use-tls"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.InsecureSkipVerify, err = flags.GetBool("insecure-skip-verify"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.TargetFolder, err = flags.GetString("target-folder"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.DryRun, err = flags.GetBool("dry-run"); err != nil {
		return WriterConfig{}, err
	}
	if cfg.PSTHelper, err = flags.GetString("pst-helper"); err != nil {
		return WriterConfig{}, err
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.StateDir == "" {
		if cfg.StateDir, err = defaultStateDir(); err != nil {
			return WriterConfig{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	cfg.Format = strings.ToLower(strings.TrimSpace(cfg.Format))

	if err := validateWriterConfig(cfg); err != nil {
		return WriterConfig{}, err
	}
	return cfg, nil
}

func validateWriterConfig(cfg WriterConfig) error {
	if cfg.Format == "imap" {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required for imap output")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required for imap output")
		}
		if cfg.IMAPPass == "" && !cfg.DryRun {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
		return nil
	}
	if cfg.Output == "" {
		return fmt.Errorf("--output is required")
	}
	return nil
}

// RegisterFilterFlags attaches the predicate flags of the filter command.
func RegisterFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("sender", nil, "Keep messages from this address (repeatable)")
	flags.StringArray("sender-domain", nil, "Keep messages from this domain (repeatable)")
	flags.StringArray("recipient", nil, "Keep messages to this address (repeatable)")
	flags.StringArray("recipient-domain", nil, "Keep messages to this domain (repeatable)")
	flags.Bool("include-cc", true, "Match --recipient and --recipient-domain against Cc")
	flags.Bool("include-bcc", true, "Match --recipient and --recipient-domain against Bcc")
	flags.String("subject", "", "Keep messages whose subject matches this regex")
	flags.String("since", "", "Keep messages on or after this date (YYYY-MM-DD or RFC3339)")
	flags.String("until", "", "Keep messages before this date (YYYY-MM-DD or RFC3339)")
	flags.String("match", MatchAll, "Combine predicates with all or any")
	registerRegexFlags(cmd)
}

// LoadFilterConfig reads the flags registered by RegisterFilterFlags.
func LoadFilterConfig(cmd *cobra.Command) (FilterConfig, error) {
	flags := cmd.Flags()
	var (
		cfg                FilterConfig
		err                error
		sinceRaw, untilRaw string
	)
	if cfg.Senders, err = flags.GetStringArray("sender"); err != nil {
		return FilterConfig{}, err
	}
	if cfg.SenderDomains, err = flags.GetStringArray("sender-domain"); err != nil {
		return FilterConfig{}, err
	}
	if cfg.Recipients, err = flags.GetStringArray("recipient"); err != nil {
		return FilterConfig{}, err
	}
	if cfg.RecipientDomains, err = flags.GetStringArray("recipient-domain"); err != nil {
		return FilterConfig{}, err
	}
	if cfg.IncludeCc, err = flags.GetBool("include-cc"); err != nil {
		return FilterConfig{}, err
	}
	if cfg.IncludeBcc, err = flags.GetBool("include-bcc"); err != nil {
		return FilterConfig{}, err
	}
	if cfg.Subject, err = flags.GetString("subject"); err != nil {
		return FilterConfig{}, err
	}
	if sinceRaw, err = flags.GetString("since"); err != nil {
		return FilterConfig{}, err
	}
	if untilRaw, err = flags.GetString("until"); err != nil {
		return FilterConfig{}, err
	}
	if cfg.Match, err = flags.GetString("match"); err != nil {
		return FilterConfig{}, err
	}
	if cfg.IncludeHeader, cfg.IncludeBody, cfg.ExcludeHeader, cfg.ExcludeBody, err = loadRegexFlags(cmd); err != nil {
		return FilterConfig{}, err
	}
	if cfg.Since, err = ParseDate(sinceRaw); err != nil {
		return FilterConfig{}, fmt.Errorf("--since: %w", err)
	}
	if cfg.Until, err = ParseDate(untilRaw); err != nil {
		return FilterConfig{}, fmt.Errorf("--until: %w", err)
	}

	cfg.Match = strings.ToLower(cfg.Match)
	switch cfg.Match {
	case MatchAll, MatchAny:
	default:
		return FilterConfig{}, fmt.Errorf("invalid --match: %s", cfg.Match)
	}
	if err := validateRegexModes(cfg.IncludeHeader, cfg.IncludeBody, cfg.ExcludeHeader, cfg.ExcludeBody); err != nil {
		return FilterConfig{}, err
	}
	return cfg, nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-to-pdf", "state"), nil
}
