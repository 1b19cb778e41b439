package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/QuestionPipe/internal/api"
	"github.com/BTreeMap/QuestionPipe/internal/cloudapi"
	"github.com/BTreeMap/QuestionPipe/internal/gateway"
	"github.com/BTreeMap/QuestionPipe/internal/genai"
	"github.com/BTreeMap/QuestionPipe/internal/interpret"
	"github.com/BTreeMap/QuestionPipe/internal/lockfile"
	"github.com/BTreeMap/QuestionPipe/internal/messaging"
	"github.com/BTreeMap/QuestionPipe/internal/metrics"
	"github.com/BTreeMap/QuestionPipe/internal/questionnaire"
	"github.com/BTreeMap/QuestionPipe/internal/router"
	"github.com/BTreeMap/QuestionPipe/internal/scheduler"
	"github.com/BTreeMap/QuestionPipe/internal/store"
	"github.com/BTreeMap/QuestionPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/QuestionPipe/internal/util"
	"github.com/BTreeMap/QuestionPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for QuestionPipe state data
	DefaultStateDir = "/var/lib/questionpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "questionpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Transport names accepted by TRANSPORT / -transport.
const (
	TransportCloud     = "cloud"
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
)

func main() {
	// Load .env before the logger so LOG_LEVEL can come from it
	envErr := godotenv.Load()
	initializeLogger(os.Getenv("LOG_LEVEL"))
	if envErr != nil {
		slog.Debug("failed to load .env file", "error", envErr)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	if err := run(config); err != nil {
		slog.Error("QuestionPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("QuestionPipe exited successfully")
}

// Config holds the service configuration assembled from the environment
// and command line flags.
type Config struct {
	StateDir        string
	DatabaseDSN     string
	APIAddr         string
	Transport       string
	GraphToken      string
	GraphBaseURL    string
	VerifyToken     string
	WhatsAppDSN     string
	QROutput        string
	NumericCode     bool
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	TwilioContentID string
	TwilioHookURL   string
	OpenAIKey       string
	OpenAIModel     string
	PhoneRegion     string
	ConversationTTL time.Duration
	DedupRetention  time.Duration
}

// initializeLogger sets up structured logging. The level defaults to debug.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelDebug
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelDebug
	}
	return level
}

// loadEnvironmentConfig reads configuration from environment variables and
// fills in defaults derived from the state directory.
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir:        util.StringEnv("QUESTIONPIPE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:     os.Getenv("DATABASE_URL"),
		APIAddr:         util.StringEnv("API_ADDR", api.DefaultAddr),
		Transport:       strings.ToLower(util.StringEnv("TRANSPORT", TransportCloud)),
		GraphToken:      os.Getenv("WHATSAPP_GRAPH_API_TOKEN"),
		GraphBaseURL:    util.StringEnv("WHATSAPP_GRAPH_BASE_URL", cloudapi.DefaultBaseURL),
		VerifyToken:     os.Getenv("WHATSAPP_WEBHOOK_VERIFY_TOKEN"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		NumericCode:     util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioContentID: os.Getenv("TWILIO_BEGIN_CONTENT_SID"),
		TwilioHookURL:   os.Getenv("TWILIO_WEBHOOK_URL"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     util.StringEnv("OPENAI_MODEL", genai.DefaultModel),
		PhoneRegion:     util.StringEnv("DEFAULT_PHONE_REGION", messaging.DefaultRegion),
		ConversationTTL: util.ParseDurationEnv("CONVERSATION_TTL", questionnaire.DefaultConversationTTL),
		DedupRetention:  util.ParseDurationEnv("DEDUP_RETENTION", scheduler.DefaultDedupRetention),
	}
	applyStateDirDefaults(&config)

	slog.Debug("environment variables loaded",
		"QUESTIONPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"API_ADDR", config.APIAddr,
		"TRANSPORT", config.Transport,
		"WHATSAPP_GRAPH_API_TOKEN_SET", config.GraphToken != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"CONVERSATION_TTL", config.ConversationTTL,
		"DEDUP_RETENTION", config.DedupRetention)
	return config
}

// applyStateDirDefaults points unset database DSNs at files in the state
// directory.
func applyStateDirDefaults(config *Config) {
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// parseCommandLineFlags lets flags override the environment configuration.
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("questionpipe", flag.ContinueOnError)
	defaultDBDSN := config.DatabaseDSN
	defaultWADSN := config.WhatsAppDSN
	defaultStateDir := config.StateDir

	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for QuestionPipe data (overrides $QUESTIONPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseDSN, "db-dsn", config.DatabaseDSN, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.Transport, "transport", config.Transport, "messaging transport: cloud, twilio or whatsmeow (overrides $TRANSPORT)")
	fs.StringVar(&config.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write the whatsmeow login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "print the raw whatsmeow login code instead of a QR code")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.PhoneRegion, "phone-region", config.PhoneRegion, "default region for phone numbers without a country code (overrides $DEFAULT_PHONE_REGION)")
	fs.DurationVar(&config.ConversationTTL, "conversation-ttl", config.ConversationTTL, "how long an initiated questionnaire stays open (overrides $CONVERSATION_TTL)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}
	config.Transport = strings.ToLower(strings.TrimSpace(config.Transport))

	// DSNs derived from the old state directory follow a -state-dir override
	if config.StateDir != defaultStateDir {
		if config.DatabaseDSN == defaultDBDSN && defaultDBDSN == filepath.Join(defaultStateDir, DefaultDBFileName) {
			config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		}
		if config.WhatsAppDSN == defaultWADSN && defaultWADSN == "file:"+filepath.Join(defaultStateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
		slog.Debug("Updated DSNs based on state directory", "state_dir", config.StateDir)
	}

	if err := validateConfig(config); err != nil {
		return config, err
	}
	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"transport", config.Transport,
		"apiAddr", config.APIAddr,
		"conversationTTL", config.ConversationTTL)
	return config, nil
}

func validateConfig(config Config) error {
	switch config.Transport {
	case TransportCloud:
		if config.GraphToken == "" {
			return fmt.Errorf("transport %q requires WHATSAPP_GRAPH_API_TOKEN", config.Transport)
		}
	case TransportTwilio, TransportWhatsmeow:
	default:
		return fmt.Errorf("unknown transport %q (want %s, %s or %s)", config.Transport, TransportCloud, TransportTwilio, TransportWhatsmeow)
	}
	if config.ConversationTTL <= 0 {
		return fmt.Errorf("conversation TTL must be positive, got %s", config.ConversationTTL)
	}
	return nil
}

// buildStoreOptions selects the store backend from the DSN.
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.DatabaseDSN) == store.DriverPostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(config.DatabaseDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", config.DatabaseDSN)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseDSN)}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithDedupRetention(config.DedupRetention),
	}
	if config.VerifyToken != "" {
		apiOpts = append(apiOpts, api.WithVerifyToken(config.VerifyToken))
	}
	if config.Transport == TransportTwilio && config.TwilioToken != "" && config.TwilioHookURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioSignature(config.TwilioToken, config.TwilioHookURL))
	}
	return apiOpts
}

// transport bundles the selected provider client.
type transport struct {
	messaging.Transport
	media messaging.MediaFetcher
	// wa is set for whatsmeow, which delivers inbound messages itself.
	wa *whatsapp.Client
}

func buildTransport(ctx context.Context, config Config, phones *messaging.PhoneCanonicalizer) (*transport, error) {
	switch config.Transport {
	case TransportCloud:
		c, err := cloudapi.NewClient(cloudapi.WithToken(config.GraphToken), cloudapi.WithBaseURL(config.GraphBaseURL))
		if err != nil {
			return nil, err
		}
		return &transport{Transport: c, media: c}, nil
	case TransportTwilio:
		c, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
			twiliowhatsapp.WithContentSID(questionnaire.BeginTemplateName, config.TwilioContentID),
		)
		if err != nil {
			return nil, err
		}
		return &transport{Transport: c, media: c}, nil
	case TransportWhatsmeow:
		var waOpts []whatsapp.Option
		if config.WhatsAppDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
		}
		if config.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
		}
		if config.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		c, err := whatsapp.NewClient(ctx, phones, waOpts...)
		if err != nil {
			return nil, err
		}
		return &transport{Transport: c, media: c, wa: c}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", config.Transport)
	}
}

// run wires the modules together and serves until a shutdown signal.
func run(config Config) error {
	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	m := metrics.New()
	phones := messaging.NewPhoneCanonicalizer(config.PhoneRegion)

	tr, err := buildTransport(context.Background(), config, phones)
	if err != nil {
		return fmt.Errorf("initialize %s transport: %w", config.Transport, err)
	}
	if tr.wa != nil {
		defer tr.wa.Disconnect()
	}

	// Without an OpenAI key, free text is read by the fixed rules only and
	// voice notes are not transcribed.
	var classifier interpret.Classifier
	routerOpts := []router.Option{router.WithMetrics(m)}
	llmEnabled := false
	if config.OpenAIKey != "" {
		ai, err := genai.NewClient(genai.WithAPIKey(config.OpenAIKey), genai.WithModel(config.OpenAIModel))
		if err != nil {
			return fmt.Errorf("initialize genai client: %w", err)
		}
		classifier = ai
		routerOpts = append(routerOpts, router.WithMedia(tr.media, ai))
		llmEnabled = true
	}

	gw := gateway.New(st, tr, gateway.WithMetrics(m))
	machine := questionnaire.NewMachine(st, gw, interpret.New(classifier),
		questionnaire.WithConversationTTL(config.ConversationTTL),
		questionnaire.WithMetrics(m))
	rt := router.New(st, machine, gw, tr, routerOpts...)
	if tr.wa != nil {
		tr.wa.OnInbound(rt.Handle)
	}

	slog.Info("Bootstrapping QuestionPipe with configured modules",
		"transport", config.Transport, "llm", llmEnabled, "state_dir", config.StateDir)
	return api.Run(api.Modules{
		Store:         st,
		Machine:       machine,
		Inbound:       rt.Handle,
		Phones:        phones,
		Metrics:       m,
		CloudWebhook:  config.Transport == TransportCloud,
		TwilioWebhook: config.Transport == TransportTwilio,
	}, buildAPIOptions(config)...)
}
