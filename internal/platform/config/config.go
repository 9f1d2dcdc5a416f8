package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config is the resolved runtime configuration of the playout engine.
type Config struct {
	Port            string
	PlayoutHost     string
	PlayoutPort     int
	ReconnectDelay  time.Duration
	ListTimeout     time.Duration
	TickInterval    time.Duration
	AutoChain       bool
	RundownFile     string
	IntentRateLimit int
	// StreamOrigins are host patterns (path.Match syntax) allowed to open the
	// layer stream from a page on another origin. Same-origin is always allowed.
	StreamOrigins []string
	LogLevel      string
	LogFormat     string
}

// PlayoutAddr returns the host:port of the playout server.
func (c Config) PlayoutAddr() string {
	return net.JoinHostPort(c.PlayoutHost, strconv.Itoa(c.PlayoutPort))
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset or unparsable.
func FromEnv() Config {
	return Config{
		Port:            GetEnv("PORT", "3000"),
		PlayoutHost:     GetEnv("PLAYOUT_HOST", "127.0.0.1"),
		PlayoutPort:     GetEnvInt("PLAYOUT_PORT", 5250),
		ReconnectDelay:  GetEnvDuration("RECONNECT_DELAY", 5*time.Second),
		ListTimeout:     GetEnvDuration("LIST_TIMEOUT", 2*time.Second),
		TickInterval:    GetEnvDuration("TICK_INTERVAL", time.Second),
		AutoChain:       GetEnvBool("AUTO_CHAIN", false),
		RundownFile:     GetEnv("RUNDOWN_FILE", ""),
		IntentRateLimit: GetEnvInt("INTENT_RATE_LIMIT", 50),
		StreamOrigins:   GetEnvList("STREAM_ORIGINS"),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),
		LogFormat:       GetEnv("LOG_FORMAT", "json"),
	}
}

// Parse loads the env file named by --env-file (default ".env", missing file
// ignored), reads the environment, then applies command-line overrides.
func Parse(args []string) (Config, error) {
	fs := pflag.NewFlagSet("playout-engine", pflag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "dotenv file to load before reading the environment")
	port := fs.StringP("port", "p", "", "HTTP listen port (overrides PORT)")
	addr := fs.String("playout-addr", "", "playout server host:port (overrides PLAYOUT_HOST/PLAYOUT_PORT)")
	rundownFile := fs.String("rundown-file", "", "rundown file to load and watch (overrides RUNDOWN_FILE)")
	autoChain := fs.Bool("auto-chain", false, "enable auto-chain at startup (overrides AUTO_CHAIN)")
	logLevel := fs.String("log-level", "", "log level (overrides LOG_LEVEL)")
	origins := fs.StringSlice("stream-origin", nil, "origin host pattern allowed on the layer stream, repeatable (overrides STREAM_ORIGINS)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	_ = Load(*envFile)
	cfg := FromEnv()

	if *port != "" {
		cfg.Port = *port
	}
	if *addr != "" {
		host, p, err := net.SplitHostPort(*addr)
		if err != nil {
			return Config{}, err
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Config{}, err
		}
		cfg.PlayoutHost, cfg.PlayoutPort = host, n
	}
	if *rundownFile != "" {
		cfg.RundownFile = *rundownFile
	}
	if fs.Changed("auto-chain") {
		cfg.AutoChain = *autoChain
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("stream-origin") {
		cfg.StreamOrigins = *origins
	}
	return cfg, nil
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool accepts 1/0, true/false, yes/no, on/off (case-insensitive).
func GetEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// GetEnvList splits a comma-separated variable, dropping empty entries.
func GetEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetEnvDuration parses values such as "5s" or "200ms". A bare integer is
// read as milliseconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}
