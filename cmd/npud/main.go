package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"npud/internal/config"
	"npud/internal/device"
	"npud/internal/httpapi"
	"npud/internal/serving"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "npud",
		Short:         "Host-side serving daemon for NPU accelerator cards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		cfgPath      string
		addr         string
		artifactsDir string
		logLevel     string
		corsEnabled  bool
		corsOrigins  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Scan an artifact directory and serve inference over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if artifactsDir != "" {
				cfg.ArtifactsDir = artifactsDir
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if corsEnabled {
				cfg.CORSEnabled = true
				cfg.CORSOrigins = corsOrigins
			}
			if cfg.Addr == "" {
				cfg.Addr = ":8080"
			}
			if cfg.ArtifactsDir == "" {
				cfg.ArtifactsDir = "~/artifacts"
			}
			cfg.ApplyEnv()
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to a toml/yaml/json config file")
	cmd.Flags().StringVar(&addr, "addr", envOr("NPUD_ADDR", ""), "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "", "Directory to scan for *.neff artifacts")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")
	cmd.Flags().BoolVar(&corsEnabled, "cors-enabled", false, "Enable CORS middleware")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "*", "Comma-separated allowed CORS origins")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func runServe(cfg config.Config) error {
	log := newLogger(cfg.LogLevel)

	mgr := device.Default()
	mgr.SetLogger(log)
	mgr.InstallSignalHandlers()

	rt := serving.New(mgr, log)
	if err := rt.LoadDir(cfg.ArtifactsDir); err != nil {
		log.Error().Err(err).Str("dir", cfg.ArtifactsDir).Msg("failed to scan artifacts")
		return err
	}

	httpapi.SetLogger(log)
	if cfg.CORSEnabled {
		origins := strings.Split(cfg.CORSOrigins, ",")
		httpapi.SetCORSOptions(true, origins,
			[]string{"GET", "POST", "OPTIONS"},
			[]string{"Accept", "Content-Type"})
	}
	mux := httpapi.NewMux(rt)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("artifacts_dir", cfg.ArtifactsDir).Msg("npud listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	// The manager's signal hook re-raises after teardown, so the process
	// exits through the default action; the HTTP server only needs a
	// best-effort drain when ListenAndServe returns.
	err := <-errCh
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.Close(ctx)
	if sderr := srv.Shutdown(ctx); sderr != nil && err == nil {
		err = sderr
	}
	return err
}
