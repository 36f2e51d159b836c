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
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/DeviceIntake/internal/api"
	"github.com/BTreeMap/DeviceIntake/internal/flow"
	"github.com/BTreeMap/DeviceIntake/internal/inventory"
	"github.com/BTreeMap/DeviceIntake/internal/lockfile"
	"github.com/BTreeMap/DeviceIntake/internal/messaging"
	"github.com/BTreeMap/DeviceIntake/internal/scheduler"
	"github.com/BTreeMap/DeviceIntake/internal/session"
	"github.com/BTreeMap/DeviceIntake/internal/slots"
	"github.com/BTreeMap/DeviceIntake/internal/store"
	"github.com/BTreeMap/DeviceIntake/internal/twiliowhatsapp"
	"github.com/BTreeMap/DeviceIntake/internal/util"
	"github.com/BTreeMap/DeviceIntake/internal/validate"
	"github.com/BTreeMap/DeviceIntake/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DeviceIntake state data
	DefaultStateDir = "/var/lib/deviceintake"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultSlotsPath is where the field registry is read from
	DefaultSlotsPath = "data/slots.yaml"
	// DefaultStaticDir holds the optional test UI
	DefaultStaticDir = "static"
	// DefaultSessionSweep is how often expired sessions are evicted
	DefaultSessionSweep = 5 * time.Minute
)

func main() {
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping DeviceIntake", "env", *flags.appEnv, "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("DeviceIntake failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DeviceIntake exited successfully")
}

// Config holds environment configuration
type Config struct {
	AppEnv    string
	LogLevel  string
	EnvSource string

	APIAddr     string
	StateDir    string
	DatabaseDSN string
	SlotsPath   string
	StaticDir   string

	SessionTTL       time.Duration
	SessionSweep     time.Duration
	MaxTurns         int
	MaxQuantity      int
	MinRentalDays    int
	MaxRentalDays    int
	MaxErrorsPerSlot int
	UseErrorPrompts  bool

	SDAPIBase          string
	SDAPIKey           string
	SDAPITimeout       time.Duration
	RecommenderEnabled bool
	SuggestionLimit    int

	RateLimitWindow time.Duration
	RateLimitMax    int

	TwilioEnabled    bool
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	WhatsAppEnabled bool
	WhatsAppDBDSN   string
}

// Dev reports whether the dev-only surfaces are enabled.
func (c Config) Dev() bool {
	return c.AppEnv == "dev"
}

// Flags holds command line flag values
type Flags struct {
	appEnv        *string
	apiAddr       *string
	stateDir      *string
	dbDSN         *string
	slotsPath     *string
	staticDir     *string
	enableTwilio  *bool
	enableWA      *bool
	waDBDSN       *string
	qrOutput      *string
	numeric       *bool
	logConfigOnly *bool
}

// initializeLogger sets up structured logging. Dev defaults to debug level.
func initializeLogger(config Config) {
	level := slog.LevelInfo
	if config.Dev() {
		level = slog.LevelDebug
	}
	if config.LogLevel != "" {
		if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
			fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL %q, using %s\n", config.LogLevel, level)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	envSource := "(none)"
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		envSource = ".env"
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		AppEnv:      util.GetenvDefault("APP_ENV", "dev"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		EnvSource:   envSource,
		APIAddr:     util.GetenvDefault("API_ADDR", api.DefaultAddr),
		StateDir:    util.GetenvDefault("DEVICEINTAKE_STATE_DIR", DefaultStateDir),
		DatabaseDSN: os.Getenv("DATABASE_DSN"),
		SlotsPath:   util.GetenvDefault("SLOTS_PATH", DefaultSlotsPath),
		StaticDir:   util.GetenvDefault("STATIC_DIR", DefaultStaticDir),

		SessionTTL:       time.Duration(util.ParseNonNegativeIntEnv("SESSION_TTL_MIN", int(session.DefaultTTL/time.Minute))) * time.Minute,
		SessionSweep:     time.Duration(util.ParseNonNegativeIntEnv("SESSION_SWEEP_MIN", int(DefaultSessionSweep/time.Minute))) * time.Minute,
		MaxTurns:         util.ParseNonNegativeIntEnv("MAX_TURNS_PER_SESSION", session.DefaultMaxTurns),
		MaxQuantity:      util.ParseNonNegativeIntEnv("MAX_QUANTITY", validate.DefaultMaxQuantity),
		MinRentalDays:    util.ParseNonNegativeIntEnv("MIN_RENTAL_DAYS", validate.DefaultMinRentalDays),
		MaxRentalDays:    util.ParseNonNegativeIntEnv("MAX_RENTAL_DAYS", validate.DefaultMaxRentalDays),
		MaxErrorsPerSlot: util.ParseNonNegativeIntEnv("MAX_ERRORS_PER_SLOT", flow.DefaultMaxErrorsPerSlot),
		UseErrorPrompts:  util.ParseBoolEnv("USE_ERROR_PROMPTS", false),

		SDAPIBase:          cleanEnvValue(os.Getenv("SD_API_BASE")),
		SDAPIKey:           cleanEnvValue(os.Getenv("SD_API_KEY")),
		SDAPITimeout:       util.ParseSecondsEnv("SD_API_TIMEOUT", inventory.DefaultTimeout),
		RecommenderEnabled: util.ParseBoolEnv("RECOMMENDER_ENABLED", false),
		SuggestionLimit:    util.ParseNonNegativeIntEnv("SUGGESTION_LIMIT", inventory.DefaultSuggestionLimit),

		RateLimitWindow: util.ParseSecondsEnv("RATE_LIMIT_WINDOW_SEC", api.DefaultRateLimitWindow),
		RateLimitMax:    util.ParseNonNegativeIntEnv("RATE_LIMIT_MAX_REQUESTS", api.DefaultRateLimitMax),

		TwilioEnabled:    util.ParseBoolEnv("TWILIO_ENABLED", false),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),

		WhatsAppEnabled: util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDBDSN:   os.Getenv("WHATSAPP_DB_DSN"),
	}

	// DATABASE_URL is accepted as a legacy alias
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}

	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		slog.Debug("No WHATSAPP_DB_DSN set, using state directory", "dsn", config.WhatsAppDBDSN)
	}

	slog.Debug("environment variables loaded",
		"APP_ENV", config.AppEnv,
		"API_ADDR", config.APIAddr,
		"DEVICEINTAKE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"SLOTS_PATH", config.SlotsPath,
		"SD_API_BASE_SET", config.SDAPIBase != "",
		"RECOMMENDER_ENABLED", config.RecommenderEnabled,
		"TWILIO_ENABLED", config.TwilioEnabled,
		"WHATSAPP_ENABLED", config.WhatsAppEnabled)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		appEnv:        fs.String("env", config.AppEnv, "runtime environment, dev enables debug routes and CORS (overrides $APP_ENV)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for DeviceIntake data (overrides $DEVICEINTAKE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseDSN, "intake request database DSN, empty keeps requests in memory (overrides $DATABASE_DSN)"),
		slotsPath:     fs.String("slots", config.SlotsPath, "path to the slot registry YAML (overrides $SLOTS_PATH)"),
		staticDir:     fs.String("static-dir", config.StaticDir, "directory served under /static (overrides $STATIC_DIR)"),
		enableTwilio:  fs.Bool("twilio", config.TwilioEnabled, "enable the Twilio WhatsApp channel (overrides $TWILIO_ENABLED)"),
		enableWA:      fs.Bool("whatsapp", config.WhatsAppEnabled, "enable the direct WhatsApp channel (overrides $WHATSAPP_ENABLED)"),
		waDBDSN:       fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		logConfigOnly: fs.Bool("check-config", false, "load the slot registry, print the effective configuration and exit"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow a state directory override unless the WhatsApp DSN was set explicitly
	if *flags.waDBDSN == defaultWhatsAppDSN(config.StateDir) && *flags.stateDir != config.StateDir {
		*flags.waDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"env", *flags.appEnv,
		"apiAddr", *flags.apiAddr,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"slots", *flags.slotsPath,
		"twilio", *flags.enableTwilio,
		"whatsapp", *flags.enableWA)

	return flags, nil
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// cleanEnvValue strips whitespace and stray quotes left by hand-edited .env files.
func cleanEnvValue(v string) string {
	return strings.Trim(strings.TrimSpace(v), `"`)
}

// usesStateDir reports whether any component keeps files in the state directory.
func usesStateDir(flags Flags) bool {
	if *flags.enableWA {
		return true
	}
	return *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) != "postgres"
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(sqlitePath(*flags.dbDSN)))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// sqlitePath strips the file: scheme and query from a SQLite DSN.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
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

// buildSessionOptions constructs session store options
func buildSessionOptions(config Config) []session.Option {
	var opts []session.Option
	if config.SessionTTL > 0 {
		opts = append(opts, session.WithTTL(config.SessionTTL))
	}
	if config.MaxTurns > 0 {
		opts = append(opts, session.WithMaxTurns(config.MaxTurns))
	}
	return opts
}

// buildValidatorLimits maps configuration onto validator bounds
func buildValidatorLimits(config Config) validate.Limits {
	limits := validate.DefaultLimits()
	if config.MaxQuantity > 0 {
		limits.MaxQuantity = config.MaxQuantity
	}
	if config.MinRentalDays > 0 {
		limits.MinRentalDays = config.MinRentalDays
	}
	if config.MaxRentalDays > 0 {
		limits.MaxRentalDays = config.MaxRentalDays
	}
	return limits
}

// buildInventoryOptions constructs inventory client options
func buildInventoryOptions(config Config) []inventory.Option {
	return []inventory.Option{
		inventory.WithBaseURL(config.SDAPIBase),
		inventory.WithAPIKey(config.SDAPIKey),
		inventory.WithTimeout(config.SDAPITimeout),
		inventory.WithEnabled(config.RecommenderEnabled),
	}
}

// buildFlowOptions constructs engine options
func buildFlowOptions(config Config, sink flow.RequestSink, rec flow.Recommender) []flow.Option {
	opts := []flow.Option{
		flow.WithRequestSink(sink),
		flow.WithRecommender(rec),
		flow.WithErrorPrompts(config.UseErrorPrompts),
	}
	if config.MaxErrorsPerSlot > 0 {
		opts = append(opts, flow.WithMaxErrorsPerSlot(config.MaxErrorsPerSlot))
	}
	return opts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFromNumber))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDBDSN))
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithDevMode(*flags.appEnv == "dev"),
		api.WithRateLimit(config.RateLimitWindow, config.RateLimitMax),
		api.WithDebugConfig(buildDebugConfig(config)),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.staticDir != "" {
		apiOpts = append(apiOpts, api.WithStaticDir(*flags.staticDir))
	}
	return apiOpts
}

// buildDebugConfig is the view served at /debug/config. Secrets are masked.
func buildDebugConfig(config Config) map[string]any {
	return map[string]any{
		"SD_API_BASE":         config.SDAPIBase,
		"SD_API_KEY":          maskSecret(config.SDAPIKey),
		"SD_API_TIMEOUT":      config.SDAPITimeout.Seconds(),
		"RECOMMENDER_ENABLED": config.RecommenderEnabled,
		"SUGGESTION_LIMIT":    config.SuggestionLimit,
		"ENV_SOURCE":          config.EnvSource,
	}
}

func maskSecret(key string) string {
	switch {
	case len(key) > 12:
		return key[:6] + "..." + key[len(key)-4:]
	case key != "":
		return "(set)"
	default:
		return "(empty)"
	}
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	dev := *flags.appEnv == "dev"

	if usesStateDir(flags) {
		if err := ensureDirectoriesExist(flags); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}
		lock, err := lockfile.Acquire(*flags.stateDir, lockfile.WithOwner("deviceintake"))
		if err != nil {
			var held *lockfile.LockError
			if errors.As(err, &held) {
				slog.Error("Another DeviceIntake instance owns the state directory", "holder", held.Holder.String())
			}
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	loader := slots.NewLoader(*flags.slotsPath, dev)
	reg := loader.Load(true)
	slog.Info("Slot registry loaded", "path", loader.Path(), "fields", len(reg.Order))
	if *flags.logConfigOnly {
		fmt.Printf("ORDER: %v\nCONFIG: %v\n", reg.Order, buildDebugConfig(config))
		return nil
	}
	if dev {
		watcher, err := slots.NewWatcher(loader)
		if err != nil {
			slog.Warn("Slot registry hot reload unavailable", "error", err)
		} else if err := watcher.Start(ctx); err == nil {
			defer watcher.Stop()
		}
	}

	sessions := session.NewStore(buildSessionOptions(config)...)
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if config.SessionSweep > 0 {
		err := sched.Every(config.SessionSweep, "session-sweep", func() {
			if n := sessions.Sweep(); n > 0 {
				slog.Debug("Expired sessions evicted", "count", n, "remaining", sessions.Len())
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule session sweep: %w", err)
		}
	}

	invClient := inventory.NewClient(buildInventoryOptions(config)...)
	recommender := inventory.NewRecommender(invClient, config.SuggestionLimit)

	engine := flow.NewEngine(loader, validate.New(buildValidatorLimits(config)), sessions, buildFlowOptions(config, st, recommender)...)

	apiOpts := buildAPIOptions(config, flags)
	apiOpts = append(apiOpts,
		api.WithRequests(st),
		api.WithInventory(invClient, recommender),
	)

	var services []messaging.Service
	if *flags.enableTwilio {
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		services = append(services, svc)
		apiOpts = append(apiOpts, api.WithTwilio(svc))
	}
	if *flags.enableWA {
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		services = append(services, messaging.NewWhatsAppService(client))
	}

	router := messaging.NewRouter(engine, st)
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s service: %w", svc.Name(), err)
		}
		router.Attach(ctx, svc)
	}
	defer func() {
		for _, svc := range services {
			if err := svc.Stop(); err != nil {
				slog.Warn("Failed to stop messaging service", "channel", svc.Name(), "error", err)
			}
		}
		router.Wait()
	}()

	slog.Debug("Module options counts", "api", len(apiOpts), "channels", len(services))
	return api.NewServer(engine, apiOpts...).Run(ctx)
}
