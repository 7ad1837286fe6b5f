package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "EDGECHAT_LOG_LEVEL"
	EnvLogFormat    = "EDGECHAT_LOG_FORMAT"
	EnvLogTimestamp = "EDGECHAT_LOG_TIMESTAMP"
	EnvLogNoColor   = "EDGECHAT_LOG_NOCOLOR"
)

var ErrAlreadyConfigured = errors.New("logging: already configured")

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

func (p Profile) String() string {
	switch p {
	case ProfileTest:
		return "test"
	default:
		return "runtime"
	}
}

// Format selects how records are rendered on the sink.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
	FormatPlain   Format = "plain"
)

// Config is the process-wide log configuration, read once at startup.
type Config struct {
	Level     zerolog.Level
	Format    Format
	Timestamp bool
	NoColor   bool

	// Rejected holds an unrecognized level value that fell back to the default.
	Rejected string
}

// Lookup reads one environment value. os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

type installer struct {
	mu      sync.Mutex
	done    bool
	profile Profile
	logger  zerolog.Logger
}

var global installer

func ConfigureRuntime() (zerolog.Logger, error) {
	return Configure(ProfileRuntime)
}

func ConfigureTests() (zerolog.Logger, error) {
	return Configure(ProfileTest)
}

// Configure installs the process-wide logger on stderr. Only the first call
// wins; later calls return ErrAlreadyConfigured with the installed logger.
func Configure(profile Profile) (zerolog.Logger, error) {
	return global.install(profile, os.LookupEnv, os.Stderr)
}

func (in *installer) install(profile Profile, lookup Lookup, out io.Writer) (zerolog.Logger, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.done {
		return in.logger, fmt.Errorf("%w: profile=%s requested=%s", ErrAlreadyConfigured, in.profile, profile)
	}

	cfg := FromEnv(profile, lookup)
	if f, ok := out.(*os.File); ok && !isTerminal(f) {
		cfg.NoColor = true
	}
	logger := New(cfg, sinkFor(out, cfg))
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger

	in.done = true
	in.profile = profile
	in.logger = logger

	if cfg.Rejected != "" {
		logger.Warn().
			Str("env", EnvLogLevel).
			Str("value", cfg.Rejected).
			Str("using", cfg.Level.String()).
			Msg("logging: unrecognized level, using default")
	}
	return logger, nil
}

// New builds a logger for cfg writing to w without touching global state.
func New(cfg Config, w io.Writer) zerolog.Logger {
	var out io.Writer
	switch cfg.Format {
	case FormatJSON:
		out = w
	case FormatPlain:
		out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339, PartsExclude: timestampParts(cfg)}
	default:
		out = zerolog.ConsoleWriter{Out: w, NoColor: cfg.NoColor, TimeFormat: time.RFC3339, PartsExclude: timestampParts(cfg)}
	}

	ctx := zerolog.New(zerolog.SyncWriter(out)).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// FromEnv resolves the profile defaults and applies environment overrides.
func FromEnv(profile Profile, lookup Lookup) Config {
	cfg := defaultConfig(profile)
	applyEnvOverrides(&cfg, lookup)
	return cfg
}

func defaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Format: FormatConsole, Timestamp: false}
	default:
		return Config{Level: zerolog.InfoLevel, Format: FormatConsole, Timestamp: true}
	}
}

func applyEnvOverrides(cfg *Config, lookup Lookup) {
	if lookup == nil {
		return
	}
	if raw, ok := lookup(EnvLogLevel); ok {
		if lvl, ok := ParseLevel(raw); ok {
			cfg.Level = lvl
		} else if strings.TrimSpace(raw) != "" {
			cfg.Rejected = raw
		}
	}
	if raw, ok := lookup(EnvLogFormat); ok {
		if f, ok := parseFormat(raw); ok {
			cfg.Format = f
		}
	}
	if raw, ok := lookup(EnvLogTimestamp); ok {
		if v, ok := parseBool(raw); ok {
			cfg.Timestamp = v
		}
	}
	if raw, ok := lookup(EnvLogNoColor); ok {
		if v, ok := parseBool(raw); ok {
			cfg.NoColor = v
		}
	}
}

// ParseLevel maps a level name to a zerolog level. ok is false for empty or
// unrecognized input.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseFormat(raw string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "console", "pretty":
		return FormatConsole, true
	case "json", "structured":
		return FormatJSON, true
	case "plain", "text":
		return FormatPlain, true
	default:
		return "", false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func timestampParts(cfg Config) []string {
	if cfg.Timestamp {
		return nil
	}
	return []string{zerolog.TimestampFieldName}
}

func sinkFor(out io.Writer, cfg Config) io.Writer {
	f, ok := out.(*os.File)
	if !ok || cfg.NoColor || cfg.Format != FormatConsole {
		return out
	}
	return colorable.NewColorable(f)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
