// Package main is the CLI entry point for resilientd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reconx/resilientd/internal/daemon"
	"github.com/reconx/resilientd/internal/domain"
	"github.com/reconx/resilientd/internal/notify"
	"github.com/reconx/resilientd/internal/scanapi"
	"github.com/reconx/resilientd/internal/sensor"
	"github.com/reconx/resilientd/internal/store"
	"github.com/reconx/resilientd/internal/tunnel"
	"github.com/reconx/resilientd/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// Exit codes for scripted callers.
const (
	exitProvidersExhausted = 2
	exitAPIUnreachable     = 3
	exitInvalidState       = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrProvidersExhausted):
		return exitProvidersExhausted
	case errors.Is(err, domain.ErrAPIUnreachable):
		return exitAPIUnreachable
	case errors.Is(err, domain.ErrCorruptState):
		return exitInvalidState
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "resilientd",
	Short: "Resilience controller for phone-hosted recon scans",
	Long: `resilientd keeps long-running reconnaissance scans alive on a phone.
It watches connectivity, battery and temperature, pauses and resumes the
scan through the orchestrator's control API, and supervises the remote
access tunnel (cloudflared, ngrok or localtunnel) with automatic
fallback and reconnection.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the resilience controller in the foreground",
	Long: `Starts the controller loop: health polling, automatic pause/resume of
the scan, and tunnel supervision. Blocks until interrupted; shutdown
tears down the tunnel.`,
	RunE: runRun,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Manually pause the running scan",
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Manually resume a paused scan",
	RunE:  runResume,
}

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Manage the remote-access tunnel",
}

var tunnelRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Force a tunnel restart",
	Long: `Kills any running tunnel provider process and starts a fresh tunnel,
trying providers in priority order. The new tunnel is detached and
survives this command. Prints the public URL on success.`,
	RunE: runTunnelRestart,
}

var tunnelStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the tunnel and clear the published URL",
	RunE:  runTunnelStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current guard and tunnel state",
	RunE:  runStatus,
}

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage notification credentials (encrypted at rest)",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a credential (e.g. discord_webhook, telegram_bot_token)",
	Args:  cobra.ExactArgs(2),
	RunE:  runSecretsSet,
}

var secretsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsGet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential keys",
	RunE:  runSecretsList,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	flagStateDir   string
	flagAPIBase    string
	flagLocalPort  int
	flagInterval   string
	flagProviders  string
	flagNoTunnel   bool
	flagBattPause  int
	flagBattResume int
	flagMaxTemp    float64
	flagTempMargin float64
	jsonOutput     bool
)

func init() {
	defaultStateDir := ".resilientd"
	if home, err := os.UserHomeDir(); err == nil {
		defaultStateDir = filepath.Join(home, ".resilientd")
	}

	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", defaultStateDir, "Directory for guard state, tunnel record, logs and secrets")
	rootCmd.PersistentFlags().StringVar(&flagAPIBase, "api", "http://127.0.0.1:8000", "Scan Control API base URL")
	rootCmd.PersistentFlags().IntVar(&flagLocalPort, "port", 8000, "Local port the tunnel exposes")
	rootCmd.PersistentFlags().StringVar(&flagProviders, "providers", "cloudflare,ngrok,localtunnel", "Tunnel provider priority order")

	runCmd.Flags().StringVar(&flagInterval, "interval", "30s", "Health poll interval")
	runCmd.Flags().BoolVar(&flagNoTunnel, "no-tunnel", false, "Do not start a tunnel on startup")
	runCmd.Flags().IntVar(&flagBattPause, "battery-pause", 20, "Pause when battery drops below this percent (not charging)")
	runCmd.Flags().IntVar(&flagBattResume, "battery-resume", 25, "Resume only at or above this percent")
	runCmd.Flags().Float64Var(&flagMaxTemp, "max-temp", 45.0, "Pause when device temperature exceeds this (Celsius)")
	runCmd.Flags().Float64Var(&flagTempMargin, "temp-margin", 5.0, "Resume once temperature is this many degrees below max")

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	tunnelCmd.AddCommand(tunnelRestartCmd)
	tunnelCmd.AddCommand(tunnelStopCmd)
	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsGetCmd)
	secretsCmd.AddCommand(secretsListCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(tunnelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(secretsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	interval, err := parseInterval(flagInterval)
	if err != nil {
		return err
	}

	thresholds := usecase.Thresholds{
		BatteryPauseBelow:      flagBattPause,
		BatteryResumeAtOrAbove: flagBattResume,
		MaxTempC:               flagMaxTemp,
		TempResumeMarginC:      flagTempMargin,
	}
	if err := thresholds.Validate(); err != nil {
		return err
	}

	kinds, err := parseProviderKinds(flagProviders)
	if err != nil {
		return err
	}
	providers, err := tunnel.ProvidersFromKinds(kinds)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(flagStateDir, 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	logger := createDaemonLogger(flagStateDir)
	defer func() { _ = logger.Sync() }()

	guards := store.NewFileGuardStore(filepath.Join(flagStateDir, "guards.json"), logger)
	urlStore := store.NewTunnelURLStore(filepath.Join(flagStateDir, "tunnel.json"))
	notifier, closeSecrets := buildNotifier(flagStateDir, logger)
	defer closeSecrets()

	scanClient := scanapi.NewClient(flagAPIBase, logger)
	machine := usecase.NewStateMachine(thresholds, guards, scanClient, notifier, logger)

	tunnelConfig := tunnel.DefaultConfig(flagStateDir)
	tunnelConfig.Providers = kinds
	tunnelConfig.LocalPort = flagLocalPort
	supervisor := tunnel.NewSupervisor(tunnelConfig, providers, urlStore, notifier, logger)

	controllerConfig := daemon.DefaultConfig()
	controllerConfig.PollInterval = interval
	controllerConfig.StartTunnel = !flagNoTunnel
	controller := daemon.NewController(controllerConfig, sensor.New(sensor.DefaultConfig(), logger), machine, supervisor, providers, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	client := scanapi.NewClient(flagAPIBase, logger)
	if err := client.Pause(cmd.Context(), "manual"); err != nil {
		return err
	}
	fmt.Println("Scan paused.")
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	client := scanapi.NewClient(flagAPIBase, logger)
	if err := client.Resume(cmd.Context(), "manual"); err != nil {
		return err
	}
	fmt.Println("Scan resumed.")
	return nil
}

func runTunnelRestart(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	kinds, err := parseProviderKinds(flagProviders)
	if err != nil {
		return err
	}
	providers, err := tunnel.ProvidersFromKinds(kinds)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(flagStateDir, 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	urlStore := store.NewTunnelURLStore(filepath.Join(flagStateDir, "tunnel.json"))
	notifier, closeSecrets := buildNotifier(flagStateDir, logger)
	defer closeSecrets()

	// Any session from a previous run belongs to a dead supervisor.
	tunnel.ReapStray(providers, logger)

	config := tunnel.DefaultConfig(flagStateDir)
	config.Providers = kinds
	config.LocalPort = flagLocalPort
	config.Detach = true
	supervisor := tunnel.NewSupervisor(config, providers, urlStore, notifier, logger)

	if err := supervisor.Start(cmd.Context()); err != nil {
		return err
	}

	session := supervisor.Session()
	fmt.Printf("Tunnel active via %s\n", session.Provider)
	fmt.Printf("URL: %s\n", session.PublicURL)
	return nil
}

func runTunnelStop(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	kinds, err := parseProviderKinds(flagProviders)
	if err != nil {
		return err
	}
	providers, err := tunnel.ProvidersFromKinds(kinds)
	if err != nil {
		return err
	}

	killed := tunnel.ReapStray(providers, logger)

	urlStore := store.NewTunnelURLStore(filepath.Join(flagStateDir, "tunnel.json"))
	if err := urlStore.Report(domain.TunnelStatus{Active: false}); err != nil {
		return err
	}

	fmt.Printf("Tunnel stopped (%d processes terminated).\n", killed)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()
	guards := store.NewFileGuardStore(filepath.Join(flagStateDir, "guards.json"), logger)
	urlStore := store.NewTunnelURLStore(filepath.Join(flagStateDir, "tunnel.json"))

	state, err := guards.Load()
	if err != nil {
		return err
	}
	tunnelStatus, err := urlStore.Current()
	if err != nil {
		return err
	}

	fmt.Println("\n=== resilientd Status ===")
	if state.ActiveCount() == 0 {
		fmt.Println("Pause guards: none active")
	} else {
		fmt.Println("Pause guards:")
		for _, cause := range domain.AllCauses {
			if entry, ok := state.Causes[cause]; ok && entry.Active {
				fmt.Printf("  - %s (since %s)\n", cause, entry.Since.Format("2006-01-02 15:04:05"))
			}
		}
	}

	if tunnelStatus.Active {
		fmt.Printf("Tunnel: active via %s\n", tunnelStatus.Provider)
		fmt.Printf("URL: %s\n", tunnelStatus.URL)
	} else {
		fmt.Println("Tunnel: inactive")
	}
	fmt.Println("=========================")
	return nil
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	secrets, err := openSecretStore(flagStateDir)
	if err != nil {
		return err
	}
	defer secrets.Close()

	if err := secrets.SetSecret(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Stored %s.\n", args[0])
	return nil
}

func runSecretsGet(cmd *cobra.Command, args []string) error {
	secrets, err := openSecretStore(flagStateDir)
	if err != nil {
		return err
	}
	defer secrets.Close()

	value, err := secrets.GetSecret(args[0])
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	secrets, err := openSecretStore(flagStateDir)
	if err != nil {
		return err
	}
	defer secrets.Close()

	all, err := secrets.GetAllSecrets()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("No credentials stored.")
		return nil
	}
	for key := range all {
		fmt.Println(key)
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("resilientd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// buildNotifier wires the notifier from stored credentials. A broken
// secret store degrades to local notifications only.
func buildNotifier(stateDir string, logger *zap.Logger) (domain.Notifier, func()) {
	secrets, err := openSecretStore(stateDir)
	if err != nil {
		logger.Warn("secret store unavailable, local notifications only", zap.Error(err))
		return notify.NewMultiNotifier([]notify.Channel{notify.NewTermuxChannel()}, logger), func() {}
	}
	return notify.FromSecrets(secrets, logger), func() { _ = secrets.Close() }
}

func openSecretStore(stateDir string) (domain.SecretStore, error) {
	keyProvider := store.NewFileKeyProvider(stateDir)
	key, err := store.EnsureKey(keyProvider)
	if err != nil {
		return nil, err
	}
	return store.NewEncryptedSecretStore(stateDir, key)
}

func parseProviderKinds(value string) ([]domain.ProviderKind, error) {
	var kinds []domain.ProviderKind
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch part {
		case "cloudflare":
			kinds = append(kinds, domain.ProviderCloudflare)
		case "ngrok":
			kinds = append(kinds, domain.ProviderNgrok)
		case "localtunnel":
			kinds = append(kinds, domain.ProviderLocalTunnel)
		default:
			return nil, fmt.Errorf("unknown tunnel provider: %q", part)
		}
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no tunnel providers configured")
	}
	return kinds, nil
}

func parseInterval(value string) (time.Duration, error) {
	interval, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", value, err)
	}
	if interval < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s, got %s", interval)
	}
	return interval, nil
}

func createDaemonLogger(stateDir string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{filepath.Join(stateDir, "resilientd.log")}
	config.ErrorOutputPaths = []string{filepath.Join(stateDir, "resilientd.error.log")}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func createCLILogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
