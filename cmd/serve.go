package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	orchestrator "github.com/devicefarm/orchestrator"
)

func newServeCmd() *cobra.Command {
	var flagMetricsListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(flagMetricsListen) != "" {
				cfg.MetricsListen = strings.TrimSpace(flagMetricsListen)
			}

			orc, err := orchestrator.New(cfg)
			if err != nil {
				return err
			}
			orc.RegisterHandler("shell", orchestrator.ShellCommandHandler(orc.Bridge()))

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := orc.Start(sigCtx); err != nil {
				return err
			}

			var metricsSrv *http.Server
			if listen := strings.TrimSpace(cfg.MetricsListen); listen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", orc.MetricsHandler())
				metricsSrv = &http.Server{
					Addr:              listen,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
					IdleTimeout:       2 * time.Minute,
				}
				go func() {
					log.Info().Str("listen", listen).Msg("metrics listener started")
					if serveErr := metricsSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
						log.Error().Err(serveErr).Msg("metrics listener failed")
					}
				}()
			}

			<-sigCtx.Done()
			log.Info().Msg("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			return orc.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&flagMetricsListen, "metrics-listen", "", "Prometheus listen address overriding config (e.g. :9109)")
	return cmd
}
