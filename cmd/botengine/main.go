package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/convstack/botengine/internal/api"
	"github.com/convstack/botengine/internal/delivery"
	"github.com/convstack/botengine/internal/engine"
	"github.com/convstack/botengine/internal/lockfile"
	"github.com/convstack/botengine/internal/messaging"
	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/speech"
	"github.com/convstack/botengine/internal/store"
	"github.com/convstack/botengine/internal/story"
	"github.com/convstack/botengine/internal/twilioclient"
	"github.com/convstack/botengine/internal/util"
	"github.com/convstack/botengine/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for bot engine state data
	DefaultStateDir = "/var/lib/botengine"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "botengine.db"
	// DefaultMediaDirName is the directory under the state dir for synthesized audio
	DefaultMediaDirName = "media"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one instance may own a state directory
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping bot engine with configured modules")
	if err := run(flags, config); err != nil {
		slog.Error("Bot engine failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Bot engine exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL          string
	StateDir             string
	APIAddr              string
	PublicBaseURL        string
	OpenAIKey            string
	OrgID                string
	DefaultStoryID       string
	WhatsAppPlatformID   string
	MessengerPageID      string
	MessengerAccessToken string
	MessengerVerifyToken string
	IVRNumber            string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	LeaseTTLSeconds      int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput *string
	numeric  *bool
	stateDir *string
	dbDSN    *string
	apiAddr  *string
	baseURL  *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		StateDir:             util.GetEnvOrDefault("BOTENGINE_STATE_DIR", DefaultStateDir),
		APIAddr:              os.Getenv("API_ADDR"),
		PublicBaseURL:        os.Getenv("PUBLIC_BASE_URL"),
		OpenAIKey:            os.Getenv("OPENAI_API_KEY"),
		OrgID:                os.Getenv("ORG_ID"),
		DefaultStoryID:       os.Getenv("DEFAULT_STORY_ID"),
		WhatsAppPlatformID:   os.Getenv("WHATSAPP_PLATFORM_ID"),
		MessengerPageID:      os.Getenv("MESSENGER_PAGE_ID"),
		MessengerAccessToken: os.Getenv("MESSENGER_ACCESS_TOKEN"),
		MessengerVerifyToken: os.Getenv("MESSENGER_VERIFY_TOKEN"),
		IVRNumber:            os.Getenv("IVR_NUMBER"),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     os.Getenv("TWILIO_FROM_NUMBER"),
		LeaseTTLSeconds:      util.ParseIntEnv("TURN_LEASE_TTL_SECONDS", 0),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"BOTENGINE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ORG_ID", config.OrgID,
		"DEFAULT_STORY_ID", config.DefaultStoryID)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput: flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:  flag.Bool("numeric-code", util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false), "use numeric WhatsApp login code instead of QR code"),
		stateDir: flag.String("state-dir", config.StateDir, "state directory for bot engine data (overrides $BOTENGINE_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN for engine state and stories (overrides $DATABASE_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		baseURL:  flag.String("base-url", config.PublicBaseURL, "public base URL for launch links and media (overrides $PUBLIC_BASE_URL)"),
	}

	flag.Parse()

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return os.MkdirAll(filepath.Join(*flags.stateDir, DefaultMediaDirName), 0755)
}

// buildStore opens the engine state store matching the DSN type.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildStoryAccessor opens the story graph backend on the same database.
func buildStoryAccessor(dsn string) (story.Accessor, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		return story.NewPostgresAccessor(dsn)
	}
	return story.NewSQLiteAccessor(dsn)
}

// buildWhatsAppOptions constructs WhatsApp client configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
	return waOpts
}

// buildWhatsAppService selects the WhatsApp transport: Twilio when its
// credentials are configured, otherwise a direct Whatsmeow session.
func buildWhatsAppService(flags Flags, config Config) (messaging.Service, error) {
	if config.TwilioAccountSID != "" && config.TwilioAuthToken != "" {
		slog.Info("Using Twilio as WhatsApp transport")
		client, err := twilioclient.NewClient(
			twilioclient.WithAccountSID(config.TwilioAccountSID),
			twilioclient.WithAuthToken(config.TwilioAuthToken),
			twilioclient.WithFromNumber(config.TwilioFromNumber),
		)
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	}

	slog.Info("Using Whatsmeow as WhatsApp transport")
	client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
	if err != nil {
		return nil, err
	}
	return messaging.NewWhatsAppService(client), nil
}

// buildChannels assembles the channel registry from the configured platform identities.
func buildChannels(config Config) []models.CommChannel {
	var channels []models.CommChannel
	if config.WhatsAppPlatformID != "" {
		channels = append(channels, models.CommChannel{
			ID: "whatsapp", OrgID: config.OrgID, Platform: models.PlatformWhatsApp,
			PlatformID: config.WhatsAppPlatformID, DefaultStoryID: config.DefaultStoryID,
		})
	}
	if config.MessengerPageID != "" {
		channels = append(channels, models.CommChannel{
			ID: "messenger", OrgID: config.OrgID, Platform: models.PlatformMessenger,
			PlatformID: config.MessengerPageID, DefaultStoryID: config.DefaultStoryID,
		})
	}
	if config.IVRNumber != "" {
		channels = append(channels, models.CommChannel{
			ID: "ivr", OrgID: config.OrgID, Platform: models.PlatformIVR,
			PlatformID: config.IVRNumber, DefaultStoryID: config.DefaultStoryID,
		})
	}
	return channels
}

func run(flags Flags, config Config) error {
	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	graph, err := buildStoryAccessor(*flags.dbDSN)
	if err != nil {
		return err
	}

	baseURL := strings.TrimSuffix(*flags.baseURL, "/")
	mediaDir := filepath.Join(*flags.stateDir, DefaultMediaDirName)

	// Speech synthesis is optional; voice calls fall back to <Say> without it.
	var synth delivery.Synthesizer
	if config.OpenAIKey != "" && baseURL != "" {
		client, err := speech.NewClient(mediaDir, baseURL+"/media")
		if err != nil {
			slog.Warn("Speech synthesis unavailable", "error", err)
		} else {
			synth = client
		}
	}

	renderers := map[models.PlatformType]engine.Renderer{
		models.PlatformWhatsApp:  delivery.NewWhatsAppRenderer(),
		models.PlatformMessenger: delivery.NewMessengerRenderer(),
		models.PlatformIVR:       delivery.NewIVRRenderer(baseURL+"/webhook/ivr", synth),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	senders := make(map[models.PlatformType]engine.Sender)
	var services []messaging.Service

	waService, err := buildWhatsAppService(flags, config)
	if err != nil {
		return err
	}
	senders[models.PlatformWhatsApp] = waService
	services = append(services, waService)

	if config.MessengerAccessToken != "" {
		fbService := messaging.NewMessengerService(config.MessengerAccessToken)
		senders[models.PlatformMessenger] = fbService
		services = append(services, fbService)
	}
	// IVR has no sender: TwiML is returned on the webhook response.

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return err
		}
	}
	defer func() {
		for _, svc := range services {
			if err := svc.Stop(); err != nil {
				slog.Error("Failed to stop messaging service", "error", err)
			}
		}
	}()

	channels := engine.NewStaticChannelResolver(buildChannels(config))
	interp := engine.NewInterpreter(graph, nil, baseURL)

	var engineOpts []engine.Option
	if config.LeaseTTLSeconds > 0 {
		engineOpts = append(engineOpts, engine.WithLeaseTTL(time.Duration(config.LeaseTTLSeconds)*time.Second))
	}
	eng := engine.New(graph, st, channels, interp, renderers, senders, engineOpts...)

	// Inbound messages the WhatsApp transport observes directly (whatsmeow
	// events, Twilio SMS webhooks) are fed through the engine here.
	dispatcher := messaging.NewResponseDispatcher(waService, config.WhatsAppPlatformID, func(ctx context.Context, msg *models.IncomingMessage) error {
		_, err := eng.Run(ctx, msg)
		return err
	})
	dispatcher.Start(ctx)

	apiOpts := []api.Option{api.WithMediaDir(mediaDir)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.MessengerVerifyToken != "" {
		apiOpts = append(apiOpts, api.WithMessengerVerifyToken(config.MessengerVerifyToken))
	}
	if ts, ok := waService.(*messaging.TwilioService); ok {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(ts.WebhookHandler))
	}
	server := api.NewServer(eng, st, graph, channels, apiOpts...)

	// Shut down on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("Shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
		}
		cancel()
	}()

	return server.Run()
}
