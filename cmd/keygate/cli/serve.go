package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/tattty/keygate/internal/config"
	"github.com/tattty/keygate/internal/credential"
	"github.com/tattty/keygate/internal/fingerprint"
	"github.com/tattty/keygate/internal/genlog"
	"github.com/tattty/keygate/internal/license"
	"github.com/tattty/keygate/internal/server"
	"github.com/tattty/keygate/internal/service"
	"github.com/tattty/keygate/internal/store"
	"github.com/tattty/keygate/internal/telemetry"
)

const banner = `
 _  _________   ______    _  _____ _____
| |/ / ____\ \ / / ___|  / \|_   _| ____|
| ' /|  _|  \ V / |  _  / _ \ | | |  _|
| . \| |___  | || |_| |/ ___ \| | | |___
|_|\_\_____| |_| \____/_/   \_\_| |_____|
`

func newServeCmd() *cobra.Command {
	var (
		port   int
		host   string
		dev    bool
		daemon bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keygate API server",
		Long:  "Start the HTTP server that exposes the license key issuance, activation, validation and usage-metering APIs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return runDaemon()
			}
			opts := serveOptions{dev: dev}
			if cmd.Flags().Changed("host") {
				opts.host = host
			}
			if cmd.Flags().Changed("port") {
				opts.port = port
			}
			return runServe(opts)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Run the server in the background")

	return cmd
}

// runDaemon re-executes the current binary as a detached background process
// and returns once it has confirmed the child started.
func runDaemon() error {
	if pid := readPIDFile(); pid != 0 && isProcessRunning(pid) {
		return fmt.Errorf("keygate already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	args := []string{"serve"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if dataDir != "" {
		args = append(args, "--data-dir", dataDir)
	}

	child := exec.Command(exe, args...)
	child.Stdout = nil
	child.Stderr = nil
	setSysProcAttr(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting background process: %w", err)
	}

	fmt.Printf("keygate started in background (pid %d)\n", child.Process.Pid)
	fmt.Println("Run 'keygate status' to check it, 'keygate stop' to stop it.")
	return child.Process.Release()
}

type serveOptions struct {
	host string // empty: use config
	port int    // zero: use config
	dev  bool
}

func runServe(opts serveOptions) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Flags win over the config file for the listen address.
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := buildLogger(cfg, opts.dev)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	logger.Info("store opened", "driver", cfg.Database.Driver)

	fp, err := fingerprint.New(cfg.License.EmailFingerprintSalt)
	if err != nil {
		st.Close()
		return fmt.Errorf("initializing email fingerprinter: %w", err)
	}

	manager, err := license.NewManager(license.Config{
		KeyPrefix: cfg.License.KeyPrefix,
		Caps: license.Caps{
			ImagesPerDay:  cfg.License.ImagesPerDay,
			ARViewsPerDay: cfg.License.ARViewsPerDay,
		},
	}, st, fp, credential.NewHasher(credential.DefaultParams()), logger)
	if err != nil {
		st.Close()
		return fmt.Errorf("initializing license manager: %w", err)
	}

	authSvc := service.NewAuthService(st, cfg.Auth.JWTSecret, cfg.JWTExpiry())

	var rates genlog.RateTable
	if len(cfg.Rates) > 0 {
		rates = genlog.RateTable(cfg.Rates)
	}
	gl := genlog.New(st, rates, logger)

	ctx := context.Background()

	hasAdmin, err := st.HasAnyAdmin(ctx)
	if err != nil {
		logger.Warn("failed to check for admin accounts", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: keygate admin create")
	}

	tracker := telemetry.New(ctx, st, telemetryProps(cfg, st))
	if tracker != nil {
		telemetry.PrintNotice()
		tracker.Start()
		defer tracker.Shutdown()
	}

	if err := writePIDFile(); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer removePIDFile()

	srvCfg := server.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		ShutdownTimeout:    cfg.ShutdownTimeout(),
		CORSOrigins:        cfg.Server.CORS.Origins,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		Version:            appVersion,
	}
	srv := server.New(srvCfg, st, manager, authSvc, gl, logger)

	fmt.Printf("→ Keygate %s\n", appVersion)
	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Key prefix: %s, daily caps: %d images / %d AR views\n",
		cfg.License.KeyPrefix, cfg.License.ImagesPerDay, cfg.License.ARViewsPerDay)
	fmt.Println()

	return srv.ListenAndServe()
}

// loadConfig reads the YAML config file when one is present and falls
// back to defaults otherwise. Secrets can also arrive via environment
// variables; those override the file.
func loadConfig() (*config.YAMLConfig, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("keygate.yaml"); err == nil {
			path = "keygate.yaml"
		}
	}

	var cfg *config.YAMLConfig
	if path != "" {
		loaded, err := config.LoadYAMLConfig(path)
		if err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultYAMLConfig()
	}

	if v := os.Getenv("KEYGATE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("KEYGATE_EMAIL_SALT"); v != "" {
		cfg.License.EmailFingerprintSalt = v
	}
	if v := os.Getenv("KEYGATE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	return cfg, nil
}

func buildLogger(cfg *config.YAMLConfig, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(cfg *config.YAMLConfig) (*store.Store, error) {
	dir := cfg.Database.DataDir
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" && dir == "" {
		resolved, err := resolveDataDir()
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	return store.Open(store.Config{
		Driver:  cfg.Database.Driver,
		DSN:     cfg.Database.DSN,
		DataDir: dir,
	})
}

func telemetryProps(cfg *config.YAMLConfig, st *store.Store) telemetry.PropertiesFunc {
	startedAt := time.Now()
	return func() telemetry.Properties {
		props := telemetry.Properties{
			Version:   appVersion,
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			DBDriver:  cfg.Database.Driver,
			UptimeHrs: time.Since(startedAt).Hours(),
		}
		stats, err := st.CollectStats(context.Background())
		if err == nil {
			props.TotalKeys = stats.TotalKeys
			props.ActiveKeys = stats.ActiveKeys
			props.ExpiredKeys = stats.ExpiredKeys
			props.Admins = stats.Admins
			props.Audits = stats.Audits
		}
		return props
	}
}
