package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/api"
	"github.com/BTreeMap/RoutinePipe/internal/flow"
	"github.com/BTreeMap/RoutinePipe/internal/genai"
	"github.com/BTreeMap/RoutinePipe/internal/lockfile"
	"github.com/BTreeMap/RoutinePipe/internal/messaging"
	"github.com/BTreeMap/RoutinePipe/internal/store"
	"github.com/BTreeMap/RoutinePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RoutinePipe/internal/util"
	"github.com/BTreeMap/RoutinePipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RoutinePipe state data
	DefaultStateDir = "/var/lib/routinepipe"
	// DefaultAppDBFileName is the default SQLite database filename for application data
	DefaultAppDBFileName = "routinepipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the whatsmeow session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPollInterval is how often queued replies are picked up
	DefaultOutboxPollInterval = 2 * time.Second
)

// Supported transport channels
const (
	ChannelNone     = "none"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Initialize structured logger
	initializeLogger(flags.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping RoutinePipe", "channel", flags.Channel, "state_dir", flags.StateDir, "api_addr", flags.APIAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("RoutinePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RoutinePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	WhatsAppDSN   string
	OpenAIKey     string
	OpenAIModel   string
	APIAddr       string
	Channel       string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	TwilioURL     string
	StateCache    bool
	GenAIDebug    bool
	RatePerMinute int
}

// Flags holds the resolved command line values
type Flags struct {
	LogLevel      string
	StateDir      string
	DBDSN         string
	WhatsAppDSN   string
	QROutput      string
	Numeric       bool
	OpenAIKey     string
	OpenAIModel   string
	APIAddr       string
	Channel       string
	TwilioURL     string
	StateCache    bool
	GenAIDebug    bool
	RatePerMinute int

	twilioSID   string
	twilioToken string
	twilioFrom  string
}

// initializeLogger installs a text handler at the requested level as the default logger
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps a level name to slog.Level, falling back to debug
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("ROUTINEPIPE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		APIAddr:     os.Getenv("API_ADDR"),
		Channel:     os.Getenv("ROUTINEPIPE_CHANNEL"),
		TwilioSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:  os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioURL:   os.Getenv("TWILIO_WEBHOOK_URL"),
		StateCache:  util.ParseBoolEnv("ROUTINEPIPE_STATE_CACHE", true),
		GenAIDebug:  util.ParseBoolEnv("ROUTINEPIPE_GENAI_DEBUG", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ROUTINEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	if config.Channel == "" {
		config.Channel = ChannelNone
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	config.RatePerMinute = api.DefaultRatePerMinute
	if raw := os.Getenv("ROUTINEPIPE_RATE_PER_MIN"); raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			slog.Warn("Invalid ROUTINEPIPE_RATE_PER_MIN, using default", "value", raw, "default", config.RatePerMinute)
		} else {
			config.RatePerMinute = n
		}
	}

	slog.Debug("environment variables loaded",
		"ROUTINEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"ROUTINEPIPE_CHANNEL", config.Channel,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"TWILIO_WEBHOOK_URL", config.TwilioURL,
		"ROUTINEPIPE_STATE_CACHE", config.StateCache,
		"ROUTINEPIPE_RATE_PER_MIN", config.RatePerMinute)

	return config
}

// parseCommandLineFlags parses args with environment defaults and derives the database locations
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("routinepipe", flag.ContinueOnError)
	fs.StringVar(&flags.LogLevel, "log-level", "debug", "log level: debug, info, warn or error")
	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for RoutinePipe data (overrides $ROUTINEPIPE_STATE_DIR)")
	fs.StringVar(&flags.DBDSN, "db-dsn", config.DatabaseURL, "application database DSN, a Postgres URL or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&flags.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.QROutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&flags.Numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.OpenAIModel, "openai-model", config.OpenAIModel, "chat model for general replies (overrides $OPENAI_MODEL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.Channel, "channel", config.Channel, "messaging channel: none, twilio or whatsapp (overrides $ROUTINEPIPE_CHANNEL)")
	fs.StringVar(&flags.TwilioURL, "twilio-webhook-url", config.TwilioURL, "public URL Twilio posts to, used for signature checks (overrides $TWILIO_WEBHOOK_URL)")
	fs.BoolVar(&flags.StateCache, "state-cache", config.StateCache, "cache dialogue state in memory (overrides $ROUTINEPIPE_STATE_CACHE)")
	fs.BoolVar(&flags.GenAIDebug, "genai-debug", config.GenAIDebug, "dump model requests under the state directory (overrides $ROUTINEPIPE_GENAI_DEBUG)")
	fs.IntVar(&flags.RatePerMinute, "rate-per-min", config.RatePerMinute, "messages per minute allowed per conversation (overrides $ROUTINEPIPE_RATE_PER_MIN)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	flags.twilioSID = config.TwilioSID
	flags.twilioToken = config.TwilioToken
	flags.twilioFrom = config.TwilioFrom
	flags.Channel = strings.ToLower(strings.TrimSpace(flags.Channel))

	switch flags.Channel {
	case ChannelNone, ChannelTwilio, ChannelWhatsApp:
	default:
		return Flags{}, fmt.Errorf("unknown channel %q: want %s, %s or %s", flags.Channel, ChannelNone, ChannelTwilio, ChannelWhatsApp)
	}

	// File databases follow the state directory unless a DSN was given
	if flags.DBDSN == "" {
		flags.DBDSN = filepath.Join(flags.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", flags.DBDSN)
	}
	if flags.WhatsAppDSN == "" {
		flags.WhatsAppDSN = "file:" + filepath.Join(flags.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"logLevel", flags.LogLevel,
		"stateDir", flags.StateDir,
		"dbDSN_type", store.DetectDSNType(flags.DBDSN),
		"channel", flags.Channel,
		"openaiKeySet", flags.OpenAIKey != "",
		"apiAddr", flags.APIAddr,
		"stateCache", flags.StateCache,
		"ratePerMinute", flags.RatePerMinute)

	return flags, nil
}

// ensureDirectoriesExist creates the directories file-based databases live in
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{flags.StateDir}
	if store.DetectDSNType(flags.DBDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(flags.DBDSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(flags.DBDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.DBDSN)
	return []store.Option{store.WithSQLiteDSN(flags.DBDSN)}
}

// openStore opens the backing store named by the DSN and wraps it in the state cache when enabled
func openStore(flags Flags) (store.Store, error) {
	opts := buildStoreOptions(flags)
	var (
		st  store.Store
		err error
	)
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		st, err = store.NewPostgresStore(opts...)
	} else {
		st, err = store.NewSQLiteStore(opts...)
	}
	if err != nil {
		return nil, err
	}
	if !flags.StateCache {
		return st, nil
	}
	cached, err := store.NewCachedStore(st, store.DefaultStateCacheSize)
	if err != nil {
		st.Close()
		return nil, err
	}
	return cached, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.OpenAIKey))
	}
	if flags.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.OpenAIModel))
	}
	if flags.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, flags.StateDir))
	}
	return genaiOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(flags.WhatsAppDSN)}
	if flags.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.QROutput))
	}
	if flags.Numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options; empty values fall back to the client's env lookup
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(flags.twilioSID))
	}
	if flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(flags.twilioToken))
	}
	if flags.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(flags.twilioFrom))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	if flags.RatePerMinute > 0 {
		apiOpts = append(apiOpts, api.WithRatePerMinute(flags.RatePerMinute))
	}
	return apiOpts
}

// buildEngine assembles the dialogue engine and its dispatcher over st
func buildEngine(flags Flags, st store.Store) (*flow.Dispatcher, error) {
	states := flow.NewStoreBasedStateManager(st)
	var engineOpts []flow.EngineOption
	if flags.OpenAIKey != "" {
		client, err := genai.NewClient(buildGenAIOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GenAI client: %w", err)
		}
		engineOpts = append(engineOpts, flow.WithResponder(flow.NewGenAIResponder(client, st)))
	} else {
		slog.Warn("No OpenAI API key configured, general chat replies with the capability list")
	}
	engine := flow.NewEngine(states, st, engineOpts...)
	return flow.NewDispatcher(engine, states, st), nil
}

// run wires the store, dialogue engine, transport and API server and blocks until ctx is done
func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	lock, err := lockfile.AcquireLock(flags.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	dispatcher, err := buildEngine(flags, st)
	if err != nil {
		return err
	}

	apiOpts := buildAPIOptions(flags)
	var workers []func(context.Context) error

	svc, cleanup, err := startChannel(ctx, flags, &apiOpts)
	if err != nil {
		return err
	}
	defer cleanup()

	if svc != nil {
		handler := messaging.NewResponseHandler(svc, dispatcher, st, messaging.WithChannel(flags.Channel))
		sender := messaging.NewReplySender(svc, st, DefaultOutboxPollInterval)
		if err := sender.RecoverStaleMessages(); err != nil {
			slog.Warn("Failed to requeue stale outbox messages", "error", err)
		}
		workers = append(workers, handler.Run, func(ctx context.Context) error {
			sender.Run(ctx)
			return nil
		})
	}

	server := api.NewServer(dispatcher, st, apiOpts...)
	if err := server.Run(ctx, workers...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startChannel connects the configured transport; for twilio it also registers the webhook route
func startChannel(ctx context.Context, flags Flags, apiOpts *[]api.Option) (messaging.Service, func(), error) {
	switch flags.Channel {
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		if err := svc.Start(ctx); err != nil {
			return nil, nil, err
		}
		*apiOpts = append(*apiOpts, api.WithTwilioWebhook(svc, client.AuthToken(), flags.TwilioURL))
		return svc, func() { svc.Stop() }, nil
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		svc := messaging.NewWhatsAppService(client)
		if err := svc.Start(ctx); err != nil {
			client.Disconnect()
			return nil, nil, err
		}
		return svc, func() {
			svc.Stop()
			client.Disconnect()
		}, nil
	default:
		slog.Info("No messaging channel configured, serving the HTTP API only")
		return nil, func() {}, nil
	}
}
