package config

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/keyring"
)

// Config holds application configuration
type Config struct {
	Port            int
	MetricsPort     int
	NodeURL         string
	FunderURI       string
	TransferAmount  *big.Int
	TransferCall    string
	SS58Prefix      uint16
	MnemonicWords   int
	RequestTimeout  time.Duration
	FinalityTimeout time.Duration
	NATSUrl         string
	GinMode         string
	LogLevel        slog.Level
	OTLPEndpoint    string
	Environment     string
}

// Load parses command line flags, falling back to environment variables and
// then to built-in defaults.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("polkawalletgenerator", flag.ContinueOnError)

	cfg := &Config{}
	var (
		amount   string
		ss58     int
		logLevel string
	)

	fs.IntVar(&cfg.Port, "port", getEnvInt("PORT", 3000), "HTTP server port")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", getEnvInt("METRICS_PORT", 9090), "Metrics server port")
	fs.StringVar(&cfg.NodeURL, "node-url", getEnv("NODE_URL", "wss://testnet.dubaicustoms.network"), "Substrate node WebSocket endpoint")
	fs.StringVar(&cfg.FunderURI, "funder-uri", getEnv("FUNDER_URI", "//Alice"), "Secret URI of the funding account")
	fs.StringVar(&amount, "amount", getEnv("TRANSFER_AMOUNT", "1000000000000"), "Amount sent to each new address, in planck")
	fs.StringVar(&cfg.TransferCall, "transfer-call", getEnv("TRANSFER_CALL", "Balances.transfer"), "Runtime call used for the transfer")
	fs.IntVar(&ss58, "ss58-prefix", getEnvInt("SS58_PREFIX", int(keyring.DefaultSS58Prefix)), "SS58 address format")
	fs.IntVar(&cfg.MnemonicWords, "mnemonic-words", getEnvInt("MNEMONIC_WORDS", keyring.DefaultMnemonicWords), "Words per generated mnemonic")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", getEnvDuration("REQUEST_TIMEOUT", 2*time.Minute), "Upper bound for one funding request (0 disables)")
	fs.DurationVar(&cfg.FinalityTimeout, "finality-timeout", getEnvDuration("FINALITY_TIMEOUT", 5*time.Minute), "How long to watch for finality after inclusion")
	fs.StringVar(&cfg.NATSUrl, "nats-url", getEnv("NATS_URL", ""), "NATS server URL for funding events (empty disables)")
	fs.StringVar(&cfg.GinMode, "gin-mode", getEnv("GIN_MODE", "release"), "Gin mode (debug/release)")
	fs.StringVar(&logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug/info/warn/error)")
	fs.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"), "OTLP gRPC collector endpoint")
	fs.StringVar(&cfg.Environment, "environment", getEnv("ENVIRONMENT", "development"), "Deployment environment")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("invalid transfer amount %q: must be a positive integer", amount)
	}
	cfg.TransferAmount = value

	if ss58 < 0 || ss58 > 16383 {
		return nil, fmt.Errorf("invalid ss58 prefix %d", ss58)
	}
	cfg.SS58Prefix = uint16(ss58)

	if !keyring.ValidWordCount(cfg.MnemonicWords) {
		return nil, fmt.Errorf("invalid mnemonic length %d: use 12, 15, 18, 21 or 24", cfg.MnemonicWords)
	}
	if cfg.RequestTimeout < 0 || cfg.FinalityTimeout <= 0 {
		return nil, fmt.Errorf("timeouts must be positive")
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
