package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported DB_DRIVER values
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultUserAgent is the desktop browser identity presented to finviz
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// Config holds application configuration loaded from environment variables.
// It is loaded once by main and passed by value to the components.
type Config struct {
	DBDriver   string
	PGURL      string
	SQLitePath string
	Table      string

	Calendar CalendarConfig
	Browser  BrowserConfig
	Enrich   EnrichConfig

	OutputPath string
	RunTimeout time.Duration
	LogLevel   string
}

// CalendarConfig controls the primary extraction
type CalendarConfig struct {
	URL              string
	Timeframe        string
	Timezone         string
	ExcludedRegions  []string
	MaxRows          int
	RowPolicy        string
	StabilizeTimeout time.Duration
	PollInterval     time.Duration
	StablePolls      int
	ChangeGrace      time.Duration
	Retries          int
}

// BrowserConfig describes the automation session
type BrowserConfig struct {
	ExecPath    string
	ProfileDir  string
	Headless    bool
	OpTimeout   time.Duration
	WindowWidth int
}

// EnrichConfig controls the finviz enrichment step
type EnrichConfig struct {
	BaseURL     string
	UserAgent   string
	Concurrency int
	Limit       int
	RatePerSec  float64
	Timeout     time.Duration
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first; variables already
// set in the shell take precedence over it.
func Load() (*Config, error) {
	// Missing .env is fine, the environment may be set by the caller.
	_ = godotenv.Load()

	var err error
	cfg := &Config{
		DBDriver:   getString("DB_DRIVER", DriverPostgres),
		PGURL:      os.Getenv("PG_URL"),
		SQLitePath: getString("SQLITE_PATH", "dividends.db"),
		Table:      getString("DIVIDEND_TABLE", "dividends_calendar"),
		OutputPath: getString("OUTPUT_PATH", "output.json"),
		LogLevel:   getString("LOG_LEVEL", "info"),
	}

	switch cfg.DBDriver {
	case DriverPostgres:
		if cfg.PGURL == "" {
			return nil, fmt.Errorf("PG_URL environment variable is required")
		}
	case DriverSQLite:
	default:
		return nil, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DBDriver)
	}

	if cfg.RunTimeout, err = getDuration("RUN_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}

	cfg.Calendar = CalendarConfig{
		URL:             getString("CALENDAR_URL", "https://kr.investing.com/dividends-calendar/"),
		Timeframe:       getString("CALENDAR_TIMEFRAME", "nextWeek"),
		Timezone:        getString("CALENDAR_TIMEZONE", "Asia/Seoul"),
		ExcludedRegions: getList("EXCLUDED_REGIONS", []string{"36", "4", "37", "35", "39"}),
		RowPolicy:       getString("ROW_POLICY", "end"),
	}
	if cfg.Calendar.Timeframe != "thisWeek" && cfg.Calendar.Timeframe != "nextWeek" {
		return nil, fmt.Errorf("CALENDAR_TIMEFRAME must be thisWeek or nextWeek, got %q", cfg.Calendar.Timeframe)
	}
	if cfg.Calendar.RowPolicy != "end" && cfg.Calendar.RowPolicy != "skip" {
		return nil, fmt.Errorf("ROW_POLICY must be end or skip, got %q", cfg.Calendar.RowPolicy)
	}
	if cfg.Calendar.MaxRows, err = getInt("MAX_ROWS", 198, 1, 200); err != nil {
		return nil, err
	}
	if cfg.Calendar.StabilizeTimeout, err = getDuration("STABILIZE_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.Calendar.PollInterval, err = getDuration("STABILIZE_POLL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Calendar.StablePolls, err = getInt("STABLE_POLLS", 3, 1, 100); err != nil {
		return nil, err
	}
	if cfg.Calendar.ChangeGrace, err = getDuration("STABILIZE_CHANGE_GRACE", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Calendar.Retries, err = getInt("EXTRACT_RETRIES", 2, 0, 10); err != nil {
		return nil, err
	}

	cfg.Browser = BrowserConfig{
		ExecPath:    os.Getenv("CHROME_PATH"),
		ProfileDir:  os.Getenv("CHROME_PROFILE_DIR"),
		WindowWidth: 1920,
	}
	if cfg.Browser.Headless, err = getBool("CHROME_HEADLESS", true); err != nil {
		return nil, err
	}
	if cfg.Browser.OpTimeout, err = getDuration("PAGE_OP_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	cfg.Enrich = EnrichConfig{
		BaseURL:   getString("FINVIZ_URL", "https://finviz.com/quote.ashx"),
		UserAgent: getString("ENRICH_USER_AGENT", DefaultUserAgent),
	}
	if cfg.Enrich.Concurrency, err = getInt("ENRICH_CONCURRENCY", 4, 1, 16); err != nil {
		return nil, err
	}
	if cfg.Enrich.Limit, err = getInt("ENRICH_LIMIT", 8, 0, 1000); err != nil {
		return nil, err
	}
	if cfg.Enrich.Timeout, err = getDuration("ENRICH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	rps := getString("ENRICH_RPS", "2")
	cfg.Enrich.RatePerSec, err = strconv.ParseFloat(rps, 64)
	if err != nil || cfg.Enrich.RatePerSec <= 0 {
		return nil, fmt.Errorf("ENRICH_RPS must be a positive number, got %q", rps)
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def, min, max int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s must be between %d and %d, got %d", key, min, max, n)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func getBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

// getList splits a comma separated variable, dropping empty items
func getList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
