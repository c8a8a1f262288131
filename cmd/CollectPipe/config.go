package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/BTreeMap/CollectPipe/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CollectPipe state data
	DefaultStateDir = "/var/lib/collectpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "collectpipe.db"
	// DefaultWhatsAppDBFileName holds the whatsmeow device session
	DefaultWhatsAppDBFileName = "whatsapp.db"
	// MemoryDSN selects the in-memory store.
	MemoryDSN = "memory"
)

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"state-dir":          "COLLECTPIPE_STATE_DIR",
	"db-dsn":             "DATABASE_URL",
	"log-level":          "LOG_LEVEL",
	"owner":              "COLLECTPIPE_OWNER",
	"api-addr":           "API_ADDR",
	"openai-api-key":     "OPENAI_API_KEY",
	"openai-model":       "OPENAI_MODEL",
	"openai-base-url":    "OPENAI_BASE_URL",
	"provider":           "MESSAGING_PROVIDER",
	"twilio-account-sid": "TWILIO_ACCOUNT_SID",
	"twilio-auth-token":  "TWILIO_AUTH_TOKEN",
	"twilio-from-number": "TWILIO_FROM_NUMBER",
	"whatsapp-db-dsn":    "WHATSAPP_DB_DSN",
	"qr-output":          "WHATSAPP_QR_OUTPUT",
	"workers":            "WORKERS",
	"history-window":     "CLASSIFIER_HISTORY_WINDOW",
	"ack-text":           "WEBHOOK_ACK_TEXT",
	"send-concurrency":   "CAMPAIGN_SEND_CONCURRENCY",
}

// Config is the resolved process configuration.
type Config struct {
	StateDir      string
	DSN           string
	LogLevel      string
	Owner         string
	APIAddr       string
	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string
	Provider      string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	WhatsAppDSN   string
	QROutput      string
	NumericCode   bool
	Workers       int
	HistoryWindow int
	AckText       string
	AckTextSet    bool
	SendWorkers   int
}

// loadDotEnv loads .env into the environment when present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("loadDotEnv: no .env file loaded", "error", err)
	}
}

// bindFlags binds every flag in fs that has a config key to viper and to its
// environment variable. Flags win over the environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		if env, ok := envBindings[f.Name]; ok {
			_ = v.BindEnv(f.Name, env)
		}
	})
}

// loadConfig reads the bound configuration.
func loadConfig(v *viper.Viper) Config {
	cfg := Config{
		StateDir:      v.GetString("state-dir"),
		DSN:           v.GetString("db-dsn"),
		LogLevel:      v.GetString("log-level"),
		Owner:         v.GetString("owner"),
		APIAddr:       v.GetString("api-addr"),
		OpenAIKey:     v.GetString("openai-api-key"),
		OpenAIModel:   v.GetString("openai-model"),
		OpenAIBaseURL: v.GetString("openai-base-url"),
		Provider:      strings.ToLower(v.GetString("provider")),
		TwilioSID:     v.GetString("twilio-account-sid"),
		TwilioToken:   v.GetString("twilio-auth-token"),
		TwilioFrom:    v.GetString("twilio-from-number"),
		WhatsAppDSN:   v.GetString("whatsapp-db-dsn"),
		QROutput:      v.GetString("qr-output"),
		NumericCode:   v.GetBool("numeric-code"),
		Workers:       v.GetInt("workers"),
		HistoryWindow: v.GetInt("history-window"),
		AckText:       v.GetString("ack-text"),
		AckTextSet:    v.IsSet("ack-text"),
		SendWorkers:   v.GetInt("send-concurrency"),
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	cfg.DSN = resolveDSN(cfg.DSN, cfg.StateDir)
	if cfg.WhatsAppDSN == "" {
		cfg.WhatsAppDSN = filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName)
	}
	slog.Debug("loadConfig: configuration loaded",
		"stateDir", cfg.StateDir,
		"dsnType", dsnKind(cfg.DSN),
		"provider", cfg.Provider,
		"apiAddr", cfg.APIAddr,
		"openaiKeySet", cfg.OpenAIKey != "",
		"twilioConfigured", cfg.TwilioSID != "" && cfg.TwilioToken != "")
	return cfg
}

// resolveDSN defaults to SQLite in the state directory. MemoryDSN yields "".
func resolveDSN(dsn, stateDir string) string {
	switch strings.TrimSpace(dsn) {
	case "":
		return filepath.Join(stateDir, DefaultDBFileName)
	case MemoryDSN:
		return ""
	default:
		return dsn
	}
}

func dsnKind(dsn string) string {
	if dsn == "" {
		return MemoryDSN
	}
	return store.DetectDSNType(dsn)
}

// parseLogLevel accepts debug, info, warn and error.
func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// initializeLogger sets up structured logging on stdout.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
