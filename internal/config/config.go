package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Run       RunConfig       `yaml:"run"`
	Log       LogConfig       `yaml:"log"`
	Delay     DelayConfig     `yaml:"delay"`
	Bypass    BypassConfig    `yaml:"bypass"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Slots     SlotConfig      `yaml:"slots"`
	Booking   BookingConfig   `yaml:"booking"`
	Pacing    PacingConfig    `yaml:"pacing"`
}

type RunConfig struct {
	Headless          bool          `yaml:"headless"`
	Backend           string        `yaml:"backend"`     // "http" | "chrome"
	ChromePath        string        `yaml:"chrome_path"` // optional, autodetected when empty
	StartURL          string        `yaml:"start_url"`
	BookingURL        string        `yaml:"booking_url"` // derived from start_url when empty
	MonitoringMinutes int           `yaml:"monitoring_minutes"`
	MaxRecords        int           `yaml:"max_records"`
	RecordsFile       string        `yaml:"records_file"`
	ResultsDSN        string        `yaml:"results_dsn"` // sqlite path or postgres:// URL, empty disables persistence
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
	Pretty bool   `yaml:"pretty"` // true => zap dev (color), false => zap prod (JSON)
}

type DelayConfig struct {
	BaseMin              time.Duration `yaml:"base_min"`
	BaseMax              time.Duration `yaml:"base_max"`
	ExtendedMin          time.Duration `yaml:"extended_min"`
	ExtendedMax          time.Duration `yaml:"extended_max"`
	ExtendedAfter        int           `yaml:"extended_after_requests"`
	ChallengeMultiplier  float64       `yaml:"challenge_multiplier"`
	BotChallengeSeverity float64       `yaml:"bot_challenge_severity"`
	RateLimitSeverity    float64       `yaml:"rate_limit_severity"`
	UnknownSeverity      float64       `yaml:"unknown_severity"`
	ErrorBackoffBase     time.Duration `yaml:"error_backoff_base"`
	ErrorBackoffCap      time.Duration `yaml:"error_backoff_cap"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	RecoveryPause        time.Duration `yaml:"recovery_pause"`
	ActionMin            time.Duration `yaml:"action_min"`
	ActionMax            time.Duration `yaml:"action_max"`
	RecheckDuration      time.Duration `yaml:"recheck_duration"`
}

type BypassConfig struct {
	MaxAttempts         int             `yaml:"max_attempts"`
	Strategies          []string        `yaml:"strategies"`
	SettleDelays        []time.Duration `yaml:"settle_delays"`
	RestartPause        time.Duration   `yaml:"restart_pause"`
	InteractionLocators []string        `yaml:"interaction_locators"`
	BlockBackoffBase    time.Duration   `yaml:"block_backoff_base"`
	BlockBackoffFactor  float64         `yaml:"block_backoff_multiplier"`
	BlockBackoffCap     time.Duration   `yaml:"block_backoff_cap"`
}

type ProxyConfig struct {
	Enabled       bool          `yaml:"enabled"`
	File          string        `yaml:"file"`
	List          []string      `yaml:"list"`
	Quarantine    time.Duration `yaml:"quarantine"`
	HealthURL     string        `yaml:"health_url"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	RotationTries int           `yaml:"rotation_tries"`
}

type ChallengeConfig struct {
	BotPhrases       []string `yaml:"bot_phrases"`
	RateLimitPhrases []string `yaml:"rate_limit_phrases"`
}

type SlotConfig struct {
	Locators         []string `yaml:"locators"`
	NoSlotLocators   []string `yaml:"no_slot_locators"`
	NoSlotPhrases    []string `yaml:"no_slot_phrases"`
	AvailablePhrases []string `yaml:"available_phrases"`
	OptimisticGuess  bool     `yaml:"optimistic_guess"`
}

type FieldConfig struct {
	Name      string   `yaml:"name"`
	Kind      string   `yaml:"kind"` // "input" | "select"
	Mandatory bool     `yaml:"mandatory"`
	Locators  []string `yaml:"locators"`
}

type BookingConfig struct {
	Fields           []FieldConfig `yaml:"fields"`
	SubmitLocators   []string      `yaml:"submit_locators"`
	ConfirmLocator   string        `yaml:"confirm_locator"`
	ReferenceLocator string        `yaml:"reference_locator"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	TypingDelayMin   time.Duration `yaml:"typing_delay_min"`
	TypingDelayMax   time.Duration `yaml:"typing_delay_max"`
}

type PacingConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Load starts from Default, overlays the YAML file at path (if any), then
// SLOTWATCH_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TargetURL is the page polled for availability and used for booking.
// Without an explicit booking_url a ".../login" start URL maps to ".../book-appointment".
func (c *Config) TargetURL() string {
	if c.Run.BookingURL != "" {
		return c.Run.BookingURL
	}
	if strings.Contains(c.Run.StartURL, "/login") {
		return strings.Replace(c.Run.StartURL, "/login", "/book-appointment", 1)
	}
	return c.Run.StartURL
}

func (c *Config) MonitoringDuration() time.Duration {
	return time.Duration(c.Run.MonitoringMinutes) * time.Minute
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Run.Backend {
	case "http", "chrome":
	default:
		errs = append(errs, fmt.Errorf("run.backend must be http or chrome, got %q", c.Run.Backend))
	}
	if c.TargetURL() == "" {
		errs = append(errs, errors.New("run.start_url or run.booking_url is required"))
	}
	if c.Run.MonitoringMinutes < 0 {
		errs = append(errs, errors.New("run.monitoring_minutes must be >= 0"))
	}
	if c.Run.MaxRecords < 1 {
		errs = append(errs, errors.New("run.max_records must be >= 1"))
	}
	if c.Run.RequestTimeout <= 0 {
		errs = append(errs, errors.New("run.request_timeout must be > 0"))
	}
	errs = append(errs, checkRange("delay.base", c.Delay.BaseMin, c.Delay.BaseMax))
	errs = append(errs, checkRange("delay.extended", c.Delay.ExtendedMin, c.Delay.ExtendedMax))
	errs = append(errs, checkRange("delay.action", c.Delay.ActionMin, c.Delay.ActionMax))
	errs = append(errs, checkRange("booking.typing_delay", c.Booking.TypingDelayMin, c.Booking.TypingDelayMax))
	if c.Delay.MaxConsecutiveErrors < 1 {
		errs = append(errs, errors.New("delay.max_consecutive_errors must be >= 1"))
	}
	if c.Delay.ChallengeMultiplier < 1 || c.Delay.RateLimitSeverity < 1 ||
		c.Delay.BotChallengeSeverity < 1 || c.Delay.UnknownSeverity < 1 {
		errs = append(errs, errors.New("delay multipliers must be >= 1"))
	}
	if c.Bypass.MaxAttempts < 1 {
		errs = append(errs, errors.New("bypass.max_attempts must be >= 1"))
	}
	if len(c.Bypass.Strategies) == 0 {
		errs = append(errs, errors.New("bypass.strategies must not be empty"))
	}
	if c.Bypass.BlockBackoffFactor < 1 {
		errs = append(errs, errors.New("bypass.block_backoff_multiplier must be >= 1"))
	}
	if c.Bypass.BlockBackoffCap < c.Bypass.BlockBackoffBase {
		errs = append(errs, errors.New("bypass.block_backoff_cap must be >= block_backoff_base"))
	}
	if c.Proxy.RotationTries < 1 {
		errs = append(errs, errors.New("proxy.rotation_tries must be >= 1"))
	}
	if c.Booking.MaxAttempts < 1 {
		errs = append(errs, errors.New("booking.max_attempts must be >= 1"))
	}
	if c.Booking.ConfirmLocator == "" || len(c.Booking.SubmitLocators) == 0 {
		errs = append(errs, errors.New("booking.submit_locators and booking.confirm_locator are required"))
	}
	for _, f := range c.Booking.Fields {
		if f.Name == "" || len(f.Locators) == 0 {
			errs = append(errs, fmt.Errorf("booking field %q needs a name and at least one locator", f.Name))
		}
		if f.Kind != "input" && f.Kind != "select" {
			errs = append(errs, fmt.Errorf("booking field %q: kind must be input or select", f.Name))
		}
	}
	if c.Pacing.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("pacing.requests_per_second must be >= 0"))
	}
	return errors.Join(errs...)
}

func checkRange(name string, lo, hi time.Duration) error {
	if lo < 0 || hi < lo {
		return fmt.Errorf("%s: need 0 <= min <= max, got %s..%s", name, lo, hi)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Log.Level = getenv("SLOTWATCH_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = mustBool("SLOTWATCH_PRETTY_LOG", cfg.Log.Pretty)

	cfg.Run.Headless = mustBool("SLOTWATCH_HEADLESS", cfg.Run.Headless)
	cfg.Run.Backend = getenv("SLOTWATCH_BACKEND", cfg.Run.Backend)
	cfg.Run.ChromePath = getenv("SLOTWATCH_CHROME_PATH", cfg.Run.ChromePath)
	cfg.Run.StartURL = getenv("SLOTWATCH_START_URL", cfg.Run.StartURL)
	cfg.Run.BookingURL = getenv("SLOTWATCH_BOOKING_URL", cfg.Run.BookingURL)
	cfg.Run.MonitoringMinutes = getenvInt("SLOTWATCH_MONITORING_MINUTES", cfg.Run.MonitoringMinutes)
	cfg.Run.MaxRecords = getenvInt("SLOTWATCH_MAX_RECORDS", cfg.Run.MaxRecords)
	cfg.Run.RecordsFile = getenv("SLOTWATCH_RECORDS_FILE", cfg.Run.RecordsFile)
	cfg.Run.ResultsDSN = getenv("SLOTWATCH_RESULTS_DSN", cfg.Run.ResultsDSN)
	cfg.Run.RequestTimeout = mustDuration("SLOTWATCH_REQUEST_TIMEOUT", cfg.Run.RequestTimeout)

	cfg.Proxy.Enabled = mustBool("SLOTWATCH_PROXY_ENABLED", cfg.Proxy.Enabled)
	cfg.Proxy.File = getenv("SLOTWATCH_PROXY_FILE", cfg.Proxy.File)
	if list := splitAndTrim(os.Getenv("SLOTWATCH_PROXIES")); len(list) > 0 {
		cfg.Proxy.List = list
	}
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.Trim(strings.TrimSpace(part), `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
