package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"

	"github.com/newhackerman/tenbin2api/internal/api"
	"github.com/newhackerman/tenbin2api/internal/bootstrap"
	log "github.com/newhackerman/tenbin2api/internal/logging"
	"github.com/newhackerman/tenbin2api/internal/upstream"
	"github.com/newhackerman/tenbin2api/internal/usage"
	"github.com/newhackerman/tenbin2api/internal/watcher"
)

var (
	servePort int
	serveOpen bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tenbin2api server",
	Long: `Start the OpenAI-compatible adapter server.

This loads the configuration and data files, builds the account pool,
and serves the chat completion API until interrupted.`,
	Run: func(c *cobra.Command, args []string) {
		log.SetupBaseLogger()

		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			log.Fatalf("Failed to bootstrap: %v", err)
		}
		cfg := result.Config

		if servePort != 0 {
			cfg.Port = servePort
		}

		if err := log.ConfigureLogOutput(cfg.LoggingFile); err != nil {
			log.Fatalf("Failed to configure log output: %v", err)
		}

		backend, err := usage.NewBackend(usage.BackendConfig{
			DSN:           cfg.Usage.DSN,
			BatchSize:     cfg.Usage.BatchSize,
			FlushInterval: cfg.Usage.FlushInterval,
			RetentionDays: cfg.Usage.RetentionDays,
		})
		if err != nil {
			log.Fatalf("Failed to initialize usage backend: %v", err)
		}
		if backend != nil {
			if err := backend.Start(); err != nil {
				log.Fatalf("Failed to start usage backend: %v", err)
			}
			log.Infof("Usage backend initialized: %s", cfg.Usage.DSN)
		}
		tracker := usage.NewTracker(backend)

		up, err := upstream.NewClient(cfg)
		if err != nil {
			log.Fatalf("Failed to build upstream client: %v", err)
		}

		w, err := watcher.New(
			[]string{cfg.AccountsFile, cfg.ModelsFile, cfg.ClientKeysFile},
			result.Registry.Reload,
		)
		if err != nil {
			log.Warnf("Data file watcher unavailable: %v", err)
		} else {
			w.Start()
		}

		server := api.New(cfg, result.Registry, up, tracker)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if serveOpen {
			url := fmt.Sprintf("http://127.0.0.1:%d/models", cfg.Port)
			if err := open.Run(url); err != nil {
				log.Warnf("Failed to open browser: %v", err)
			}
		}

		if err := server.Run(ctx); err != nil {
			log.Errorf("Server exited with error: %v", err)
		}

		if w != nil {
			_ = w.Stop()
		}
		if err := tracker.Stop(); err != nil {
			log.Warnf("Usage backend shutdown: %v", err)
		}
		log.Infof("Shutdown complete")
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the configured server port")
	serveCmd.Flags().BoolVar(&serveOpen, "open", false, "open the model list in a browser after start")
	rootCmd.AddCommand(serveCmd)
}
