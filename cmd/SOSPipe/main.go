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

	"github.com/BTreeMap/SOSPipe/internal/api"
	"github.com/BTreeMap/SOSPipe/internal/sos"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/twiliophone"
	"github.com/BTreeMap/SOSPipe/internal/util"
	"github.com/BTreeMap/SOSPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SOSPipe state data
	DefaultStateDir = "/var/lib/sospipe"
	// DefaultAppDBFileName is the default SQLite database filename for contacts and history
	DefaultAppDBFileName = "sospipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Dial modes select how escalation calls are placed.
const (
	DialModeTwilio = "twilio"
	DialModeDevice = "device"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SOSPipe with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"app_dsn_set", *flags.appDBDSN != "",
		"whatsapp_enabled", *flags.whatsappEnabled,
		"dial_mode", *flags.dialMode,
		"api_addr", *flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("SOSPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SOSPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	WhatsAppEnabled  bool
	APIAddr          string
	UserName         string
	MapServiceURL    string
	DialMode         string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	RetentionCron    string
	RetentionDays    int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput        *string
	numeric         *bool
	stateDir        *string
	whatsappDBDSN   *string
	appDBDSN        *string
	whatsappEnabled *bool
	apiAddr         *string
	userName        *string
	mapServiceURL   *string
	dialMode        *string
	twilioSID       *string
	twilioToken     *string
	twilioFrom      *string
	retentionCron   *string
	retentionDays   *int
}

// initializeLogger sets up structured logging. SOSPIPE_LOG_LEVEL selects the level (default debug).
func initializeLogger() {
	level := parseLogLevel(os.Getenv("SOSPIPE_LOG_LEVEL"))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// defaultWhatsAppDSN returns the SQLite DSN for the WhatsApp session in stateDir.
// whatsmeow requires foreign keys.
func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("SOSPIPE_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: util.StringEnv("", "DATABASE_DSN", "DATABASE_URL"), // DATABASE_URL for older deployments
		WhatsAppEnabled:  util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		APIAddr:          os.Getenv("API_ADDR"),
		UserName:         os.Getenv("SOSPIPE_USER_NAME"),
		MapServiceURL:    os.Getenv("MAP_SERVICE_URL"),
		DialMode:         util.StringEnv(DialModeTwilio, "DIAL_MODE"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		RetentionCron:    os.Getenv("RETENTION_CRON"),
		RetentionDays:    util.ParseIntEnv("RETENTION_DAYS", 0),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SOSPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("SOSPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		slog.Debug("No WhatsApp database DSN provided, defaulting to SQLite", "dsn", config.WhatsAppDBDSN)
	}

	slog.Debug("environment variables loaded",
		"SOSPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"API_ADDR", config.APIAddr,
		"DIAL_MODE", config.DialMode,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"RETENTION_CRON", config.RetentionCron,
		"RETENTION_DAYS", config.RetentionDays)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:        flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:         flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for SOSPipe data (overrides $SOSPIPE_STATE_DIR)"),
		whatsappDBDSN:   flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:        flag.String("app-db-dsn", config.ApplicationDBDSN, "database DSN for contacts, settings and history (overrides $DATABASE_DSN)"),
		whatsappEnabled: flag.Bool("whatsapp", config.WhatsAppEnabled, "also notify contacts over WhatsApp (overrides $WHATSAPP_ENABLED)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		userName:        flag.String("user-name", config.UserName, "name used in alerts sent to contacts (overrides $SOSPIPE_USER_NAME)"),
		mapServiceURL:   flag.String("map-service-url", config.MapServiceURL, "base URL for location links (overrides $MAP_SERVICE_URL)"),
		dialMode:        flag.String("dial-mode", config.DialMode, "how escalation calls are placed: twilio or device (overrides $DIAL_MODE)"),
		twilioSID:       flag.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:     flag.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:      flag.String("twilio-from", config.TwilioFrom, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
		retentionCron:   flag.String("retention-cron", config.RetentionCron, "cron schedule for pruning history (overrides $RETENTION_CRON)"),
		retentionDays:   flag.Int("retention-days", config.RetentionDays, "days of history to keep (overrides $RETENTION_DAYS)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"whatsappEnabled", *flags.whatsappEnabled,
		"apiAddr", *flags.apiAddr,
		"dialMode", *flags.dialMode)

	applyStateDirOverride(config, flags)
	return flags
}

// applyStateDirOverride moves default database paths along with -state-dir.
func applyStateDirOverride(config Config, flags Flags) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
		*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
		*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		slog.Debug("Updated application DSN based on state directory", "new_state_dir", *flags.stateDir)
	}
}

// sqliteDir returns the directory holding a file-based DSN, or "" for PostgreSQL.
func sqliteDir(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	return filepath.Dir(path)
}

// ensureDirectoriesExist creates the state directory and directories for file-based databases
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if flags.appDBDSN != nil {
		dirs = append(dirs, sqliteDir(*flags.appDBDSN))
	}
	if flags.whatsappDBDSN != nil {
		dirs = append(dirs, sqliteDir(*flags.whatsappDBDSN))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
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
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN != "" {
		if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.appDBDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildTwilioOptions constructs Twilio client options. Unset values fall back to the client's own env lookup.
func buildTwilioOptions(flags Flags) []twiliophone.Option {
	var opts []twiliophone.Option
	if *flags.twilioSID != "" {
		opts = append(opts, twiliophone.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		opts = append(opts, twiliophone.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		opts = append(opts, twiliophone.WithFromNumber(*flags.twilioFrom))
	}
	return opts
}

// buildEngineOptions constructs the engine options that come from configuration
func buildEngineOptions(flags Flags) []sos.Option {
	var opts []sos.Option
	if *flags.userName != "" {
		opts = append(opts, sos.WithUserName(*flags.userName))
	}
	if *flags.mapServiceURL != "" {
		opts = append(opts, sos.WithMapServiceURL(*flags.mapServiceURL))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
