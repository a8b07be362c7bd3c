// Package main is the CLI entry point for rootmm.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/rootmm/internal/config"
	"github.com/eliteGoblin/rootmm/internal/daemon"
	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/infra"
	"github.com/eliteGoblin/rootmm/internal/ipc"
	"github.com/eliteGoblin/rootmm/internal/service"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// connectTimeout bounds how long a client waits for a freshly spawned service.
const connectTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rootmm",
	Short: "Root module manager for Magisk, KernelSU, KernelSU Next and APatch",
	Long: `rootmm lists, enables, disables, removes and installs root modules and
hosts module WebUIs. Privileged work happens in a background service that
is started on demand and exits when it is no longer used.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service identity, provider and module summary",
	RunE:  runStatus,
}

var platformCmd = &cobra.Command{
	Use:   "platform",
	Short: "Print the resolved root platform",
	Long:  `Resolves the root provider. On an unsupported device the remediation help is printed.`,
	RunE:  runPlatform,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background service",
	RunE:  runStop,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Hidden service command - used for self-exec when spawning the service
var serviceCmd = &cobra.Command{
	Use:    "service",
	Hidden: true,
	RunE:   runService,
}

var (
	configFile string
	verbose    bool
	jsonOutput bool
	binderPID  int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: rootmm/rootmm.toml in the XDG config dirs)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	serviceCmd.Flags().IntVar(&binderPID, "binder-pid", 0, "Exit when this process exits")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(platformCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(webuiCmd)
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serviceCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// cliLogger is what client commands log with: development output when
// --verbose is set, nothing otherwise.
func cliLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// createLogger builds the service logger writing to the configured log file.
func createLogger(logFile string) *zap.Logger {
	logConfig := zap.NewProductionConfig()
	logConfig.OutputPaths = []string{logFile}
	logConfig.ErrorOutputPaths = []string{logFile}
	logConfig.EncoderConfig.TimeKey = "time"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		logConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := logConfig.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// connect returns a client for the service, starting it when needed.
// binder, when non-zero, is the pid the service should outlive no longer than.
func connect(ctx context.Context, cfg *config.Config, binder int, logger *zap.Logger) (*ipc.Client, error) {
	registry := infra.NewEndpointRegistry(cfg.DataDir, infra.NewProcessManager())
	start := &daemon.StartOptions{ConfigFile: cfg.Source, BinderPID: binder, Verbose: verbose}
	return daemon.Connect(ctx, registry, start, connectTimeout, logger)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger := createLogger(cfg.LogFile)
	defer logger.Sync()

	logger.Info("service starting",
		zap.String("version", Version),
		zap.Int("pid", os.Getpid()),
		zap.Int("binder_pid", binderPID),
		zap.String("config", cfg.Source))

	pm := infra.NewProcessManager()
	shell := infra.NewRootShell(infra.ShellConfig{Command: cfg.Shell}, pm, logger)
	defer shell.Close()
	files := infra.NewFileManager(shell)

	svc := service.New(service.Options{
		Signals:    infra.NewPlatformDetector(cfg.Mode, pm, files, shell, logger),
		Shell:      shell,
		Files:      files,
		ModulesDir: cfg.ModulesDir,
		Logger:     logger,
	})

	ctx, cancel := signalContext()
	defer cancel()

	d := daemon.New(daemon.Config{
		Socket:              cfg.Socket,
		IdleTimeout:         cfg.IdleTimeout,
		BinderCheckInterval: cfg.BinderCheckInterval,
		BinderPID:           binderPID,
	}, svc, cfg.ModulesDir, infra.NewEndpointRegistry(cfg.DataDir, pm), pm, logger)

	err = d.Run(ctx)
	switch {
	case err == nil, errors.Is(err, daemon.ErrIdle), errors.Is(err, daemon.ErrBinderDied):
		logger.Info("service stopped", zap.Error(err))
		return nil
	default:
		logger.Error("service failed", zap.Error(err))
		return err
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	client, err := connect(ctx, cfg, 0, cliLogger())
	if err != nil {
		return err
	}
	info, err := client.Info(ctx)
	if err != nil {
		return err
	}

	status := statusReport{Service: info.ServiceInfo, Socket: client.Socket()}
	if info.Failure != nil {
		status.Error = info.Failure.Error
	}
	if mm, err := client.ModuleManager(); err == nil {
		mi := ipc.ManagerInfoOf(mm)
		status.Manager = &mi
		if mods, err := mm.Modules(); err == nil {
			a := usecase.Analyze(mods)
			status.Modules = &a
		}
	}

	if jsonOutput {
		return printJSON(status)
	}
	printStatus(status)
	return nil
}

func runPlatform(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	client, err := connect(ctx, cfg, 0, cliLogger())
	if err != nil {
		return err
	}
	p, err := client.CurrentPlatform()
	var unsupported *domain.UnsupportedPlatformError
	if errors.As(err, &unsupported) {
		printHelp(unsupported.Help)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Println(p)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry := infra.NewEndpointRegistry(cfg.DataDir, infra.NewProcessManager())
	ep, err := registry.LookupLive()
	if err != nil {
		return err
	}
	if ep == nil {
		fmt.Println("rootmm service is not running")
		return nil
	}
	ipc.NewClient(ep.Socket, cliLogger()).Destroy()
	fmt.Printf("Stopped rootmm service (pid %d)\n", ep.PID)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("rootmm %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
