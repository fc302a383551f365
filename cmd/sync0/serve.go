package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sync0/internal/sync0"
)

var serveConfigPath string

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config",
		getenvDefault("SYNC0_CONFIG", "./sync0.yaml"), "path to sync0.yaml")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching and sync proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sync0.LoadConfig(serveConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		svc, err := sync0.NewService(cfg)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc.Start(ctx)

		ln, err := net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
		}

		srv := &http.Server{
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("sync0 listening on %s, origin=%s, version=%s",
				cfg.Server.Listen, cfg.Server.Origin, cfg.Cache.Version)
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("server error: %v", err)
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	},
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
