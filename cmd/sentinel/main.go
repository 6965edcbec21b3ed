package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/config"
	"github.com/cuemby/sentinel/internal/log"
	"github.com/cuemby/sentinel/internal/metrics"
	"github.com/cuemby/sentinel/internal/state"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel - a metric collection daemon",
	Long: `Sentinel pulls data from configured providers, shapes it through
collectors and conditional templates, and writes the result out through
one or more writer backends, all on a single binary with no external
message broker required.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sentinel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Accepted but ignored; logs always use the console format")
	rootCmd.PersistentFlags().String("config", envOr("YAMC_CONFIG", defaultConfigPath()), "Path to the base configuration file")
	rootCmd.PersistentFlags().String("env", os.Getenv("YAMC_ENV"), "Configuration environment override name")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(providerCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// defaultConfigPath mirrors the original's $YAMC_HOME/config.yaml
// default when neither --config nor YAMC_CONFIG is set.
func defaultConfigPath() string {
	home := os.Getenv("YAMC_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".yamc")
		} else {
			home = ".yamc"
		}
	}
	return filepath.Join(home, "config.yaml")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	_ = logJSON // the flag has no effect: logs are always written in console format.

	if os.Getenv("YAMC_DEBUG") != "" {
		logLevel = string(log.DebugLevel)
	}

	var debugComponents []string
	if params := os.Getenv("YAMC_DEBUG_PARAMS"); params != "" {
		debugComponents = strings.Split(params, ",")
	}

	log.Init(log.Config{
		Level:           log.Level(logLevel),
		DebugComponents: debugComponents,
		Traceback:       os.Getenv("YAMC_TRACEBACK") != "",
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the collection daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		env, _ := cmd.Flags().GetString("env")

		tree, err := config.Load(cfgPath, env)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		daemon, err := newDaemon(tree)
		if err != nil {
			return fmt.Errorf("building daemon: %w", err)
		}

		go serveMetrics(":9090")

		daemon.supervisor.Start()
		log.Logger.Info().Msg("sentinel started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		daemon.supervisor.Shutdown(30 * time.Second)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file without starting the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		env, _ := cmd.Flags().GetString("env")
		if _, err := config.Load(cfgPath, env); err != nil {
			return err
		}
		fmt.Println("configuration is valid")
		return nil
	},
}

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Provider utilities",
}

var providerTestCmd = &cobra.Command{
	Use:   "test [provider-id]",
	Short: "Run a single provider's update cycle and print its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		env, _ := cmd.Flags().GetString("env")

		tree, err := config.Load(cfgPath, env)
		if err != nil {
			return err
		}
		def, ok := tree.Providers[args[0]]
		if !ok {
			return fmt.Errorf("no such provider: %s", args[0])
		}

		d := &daemon{bus: bus.NewSource(), states: state.NewRegistry(log.WithComponent(args[0]))}
		p, err := d.buildProvider(args[0], def)
		if err != nil {
			return fmt.Errorf("building provider %q: %w", args[0], err)
		}
		if _, err := p.Update(); err != nil {
			return fmt.Errorf("updating provider %q: %w", args[0], err)
		}
		fmt.Printf("provider %q (kind=%s, source=%s):\n", args[0], def.Kind, p.Source())
		fmt.Printf("%+v\n", providerScopeData(p))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	providerCmd.AddCommand(providerTestCmd)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Error().Err(err).Msg("metrics server stopped")
	}
}
