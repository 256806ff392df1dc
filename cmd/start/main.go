package start

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/iggy-rs/iggy/system"
	"github.com/iggy-rs/iggy/utils"
	"github.com/iggy-rs/iggy/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start an iggy message streaming server"
	long                  = "This command starts an iggy server that persists streams under the configured root directory"
	example               = "iggy-server start --config <path>"
	defaultConfigFilePath = "./server.yml"
	configDesc            = "set the path for the server YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd.SilenceUsage = true

	config, err := loadConfig()
	if err != nil {
		return err
	}

	sys := system.NewSystem(config)
	if err := sys.Start(ctx); err != nil {
		return fmt.Errorf("failed to start system: %w", err)
	}

	if config.MetricsListenPort != "" {
		go serveMetrics(config.MetricsListenPort)
	}

	sigChannel := make(chan os.Signal, 1)
	signal.Notify(sigChannel, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigChannel {
		if sig == syscall.SIGUSR1 {
			log.Info("Dumping stack traces due to SIGUSR1 request")
			if err := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err != nil {
				log.Error("Failed to dump stack traces: %v", err)
			}
			continue
		}
		log.Info("Initiating graceful shutdown due to %v request", sig)
		break
	}
	return sys.Shutdown()
}

// loadConfig reads the YAML file named by the --config flag or the
// IGGY_CONFIG_PATH environment variable. A missing file at the default
// location starts the server with defaults rather than failing.
func loadConfig() (*utils.SystemConfig, error) {
	path := configFilePath
	if env := os.Getenv(utils.EnvConfigPath); env != "" {
		path = env
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == defaultConfigFilePath {
			log.Info("No configuration file at %s, using defaults", path)
			return utils.ParseConfig(nil)
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	log.Info("Using %s for configuration", path)
	config, err := utils.ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}
	return config, nil
}

func serveMetrics(port string) {
	addr := ":" + port
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("Serving Prometheus metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics listener failed: %v", err)
	}
}
