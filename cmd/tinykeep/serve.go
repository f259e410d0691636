package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nicktill/tinykeep/pkg/config"
	"github.com/nicktill/tinykeep/pkg/server"
	"github.com/nicktill/tinykeep/pkg/server/monitor"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 15 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func serveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("port", config.DefaultPort, "Port to listen on")
	cmd.Flags().String("backend", config.DefaultBackend, "Storage backend (memory, sqlite, badger)")
	cmd.Flags().String("data-dir", config.DefaultDataDir, "Directory for sqlite and badger data")
	cmd.Flags().Bool("uniform-matching", false, "Apply time-of-day and weekday filters on every backend")
	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("backend", cmd.Flags().Lookup("backend"))
	_ = v.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	_ = v.BindPFlag("uniform_matching", cmd.Flags().Lookup("uniform-matching"))

	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.SetLevel(cfg.LogLevel)
	logrus.SetLevel(cfg.LogLevel)

	log.WithFields(logrus.Fields{
		"port":    cfg.Port,
		"backend": cfg.Backend,
		"dataDir": cfg.DataDir,
	}).Info("starting tinykeep")

	backend, err := server.InitializeStorage(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.WithError(err).Error("failed to close storage")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	hub := server.NewHub(log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	k, err := server.InitializeKeeper(cfg, backend, log, reg, hub)
	if err != nil {
		return err
	}

	var gc *monitor.MaintenanceMonitor
	if cfg.Backend == config.BackendBadger {
		gc = monitor.NewMaintenanceMonitor("badger_gc", 4*config.BadgerGCInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.RunBadgerGC(ctx, backend, config.BadgerGCInterval, gc, log)
		}()
	}

	router := mux.NewRouter()
	server.SetupRoutes(router, server.NewHandler(k, backend, hub, gc, log), reg, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", "http://localhost:"+cfg.Port).Info("server ready to accept requests")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		cancel()
		wg.Wait()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}

	wg.Wait()
	log.Info("server stopped")
	return nil
}
