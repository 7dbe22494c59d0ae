package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vigia-med/postop/internal/alert"
	"github.com/vigia-med/postop/internal/api"
	"github.com/vigia-med/postop/internal/flow"
	"github.com/vigia-med/postop/internal/followup"
	"github.com/vigia-med/postop/internal/genai"
	"github.com/vigia-med/postop/internal/messaging"
	"github.com/vigia-med/postop/internal/redflag"
	"github.com/vigia-med/postop/internal/store"
	"github.com/vigia-med/postop/internal/twiliowhatsapp"
	"github.com/vigia-med/postop/internal/util"
	"github.com/vigia-med/postop/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for postop state data
	DefaultStateDir = "/var/lib/postop"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "postop.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping postop with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("postop failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("postop exited successfully")
}

// run wires the modules together and serves until the context is canceled.
func run(ctx context.Context, flags Flags) error {
	st, err := store.NewStore(buildStoreOptions(flags)...)
	if err != nil {
		return err
	}
	defer st.Close()

	aiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}
	extractor := flow.NewExtractor(aiClient)

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	var alerter alert.Alerter
	if *flags.clinicianPhone != "" {
		a, err := alert.NewMessagingAlerter(msgService, *flags.clinicianPhone)
		if err != nil {
			return err
		}
		alerter = a
	} else {
		slog.Warn("No clinician phone configured, risk alerts will only be logged")
	}

	manager, err := followup.NewManager(st, msgService, extractor, redflag.NewEngine(redflag.DefaultPolicy()), alerter,
		buildFollowUpOptions(flags)...)
	if err != nil {
		return err
	}

	server := api.NewServer(manager, msgService, st, buildAPIOptions(flags)...)
	return server.Run(ctx)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	WhatsAppDSN    string
	WhatsAppDriver string
	StateDir       string
	OpenAIKey      string
	APIAddr        string
	APIToken       string
	Backend        string
	ClinicianPhone string
	Timezone       string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	waDSN          *string
	waDriver       *string
	openaiKey      *string
	apiAddr        *string
	apiToken       *string
	backend        *string
	clinicianPhone *string
	timezone       *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("POSTOP_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		WhatsAppDriver: os.Getenv("WHATSAPP_DB_DRIVER"),
		StateDir:       os.Getenv("POSTOP_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		APIAddr:        os.Getenv("API_ADDR"),
		APIToken:       os.Getenv("API_TOKEN"),
		Backend:        os.Getenv("MESSAGING_BACKEND"),
		ClinicianPhone: os.Getenv("CLINICIAN_PHONE"),
		Timezone:       os.Getenv("CLINIC_TIMEZONE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No POSTOP_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
	}
	if config.Backend == "" {
		config.Backend = "twilio"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"POSTOP_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"API_TOKEN_SET", config.APIToken != "",
		"MESSAGING_BACKEND", config.Backend,
		"CLINICIAN_PHONE_SET", config.ClinicianPhone != "",
		"CLINIC_TIMEZONE", config.Timezone)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for postop data (overrides $POSTOP_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for the postop store (overrides $DATABASE_URL)"),
		waDSN:          flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		waDriver:       flag.String("whatsapp-db-driver", config.WhatsAppDriver, "database driver for the WhatsApp session (overrides $WHATSAPP_DB_DRIVER)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		apiToken:       flag.String("api-token", config.APIToken, "bearer token protecting trigger endpoints (overrides $API_TOKEN)"),
		backend:        flag.String("messaging-backend", config.Backend, "messaging backend: twilio or whatsapp (overrides $MESSAGING_BACKEND)"),
		clinicianPhone: flag.String("clinician-phone", config.ClinicianPhone, "phone number that receives risk alerts (overrides $CLINICIAN_PHONE)"),
		timezone:       flag.String("timezone", config.Timezone, "clinic timezone for scheduling (overrides $CLINIC_TIMEZONE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend,
		"clinicianPhoneSet", *flags.clinicianPhone != "",
		"timezone", *flags.timezone)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		stateDir := filepath.Dir(dsn)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildMessagingService constructs the configured messaging backend.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	if *flags.backend == "whatsapp" {
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.waDSN)}
		if *flags.waDriver != "" {
			waOpts = append(waOpts, whatsapp.WithDBDriver(*flags.waDriver))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	}

	client, err := twiliowhatsapp.NewClient()
	if err != nil {
		return nil, err
	}
	return messaging.NewTwilioService(client), nil
}

// buildFollowUpOptions constructs lifecycle manager configuration options
func buildFollowUpOptions(flags Flags) []followup.Option {
	var fuOpts []followup.Option
	if *flags.timezone != "" {
		fuOpts = append(fuOpts, followup.WithTimezone(*flags.timezone))
	}
	return fuOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.apiToken != "" {
		apiOpts = append(apiOpts, api.WithAPIToken(*flags.apiToken))
	}
	return apiOpts
}
