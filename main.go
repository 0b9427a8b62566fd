package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"falconlink/config"
	"falconlink/httpServer"
	"falconlink/internal/control"
	"falconlink/internal/eventbus"
	"falconlink/internal/hub"
	"falconlink/internal/journal"
	"falconlink/internal/media"
	"falconlink/internal/metrics"
	"falconlink/internal/recorder"
	"falconlink/internal/storage"
	"falconlink/internal/streammanager"
	"falconlink/internal/supervisor"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile  string
	logLevel string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "falconlink",
		Short: "Client for the FALCON detection server",
		Long: `Connects to the FALCON detection server's control channel, receives camera
frames on the media channel and serves events, stills and commands over HTTP.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "Load environment from this file (default .env when present)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	return cmd
}

func run(opts *rootOptions) error {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return err
	}
	cfg := config.Load()
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"control": cfg.ControlAddr,
		"media":   cfg.MediaListenAddr,
		"http":    cfg.HTTPAddr,
		"cameras": cfg.CameraList,
	}).Info("Starting falconlink")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Storage
	store, err := newStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// Channels and supervisor
	cameras := cfg.Cameras()
	streams := streammanager.New(cameras)
	bus := eventbus.New(m)

	ctrl := control.New(control.Options{
		Addr:           cfg.ControlAddr,
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		ReadBufferSize: cfg.ControlReadBuffer,
		MaxFrameSize:   cfg.ControlMaxFrame,
	}, log, m)
	med := media.New(media.Options{
		ListenAddr: cfg.MediaListenAddr,
		BufferSize: cfg.MediaBufferSize,
		Separator:  []byte(cfg.MediaSeparator),
		Cameras:    cameras,
	}, log, m)
	sup := supervisor.New(ctrl, med, supervisor.Options{
		Policy:  cfg.ReconnectPolicy(),
		Logger:  log,
		Metrics: m,
		Bus:     bus,
		Streams: streams,
	})

	// Still archive
	rec := recorder.New(store, streams, recorder.Options{
		Interval:  cfg.StillInterval,
		MaxStills: cfg.MaxStills,
	}, log, m)
	for _, camera := range cameras {
		if err := rec.StartRecording(ctx, camera); err != nil {
			return err
		}
	}
	recEvents, cancelRec := sup.Subscribe(cfg.EventBufferSize, eventbus.WithoutFrames())
	go rec.Run(ctx, recEvents)

	// Journal
	var history httpServer.History
	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0755); err != nil {
			return errors.Wrap(err, "create journal directory")
		}
		jrnl, err = journal.Open(cfg.JournalPath, log)
		if err != nil {
			return err
		}
		defer jrnl.Close()
		history = jrnl

		journalEvents, cancelJournal := sup.Subscribe(cfg.EventBufferSize, eventbus.WithoutFrames())
		defer cancelJournal()
		go jrnl.Run(ctx, journalEvents)
	}

	// Viewers
	viewers := hub.New(sup, log, m)
	hubEvents, cancelHub := sup.Subscribe(cfg.EventBufferSize)
	go viewers.Run(ctx, hubEvents)

	// HTTP API
	api := httpServer.New(httpServer.Options{
		Supervisor: sup,
		Archive:    rec,
		History:    history,
		Hub:        viewers,
		Metrics:    m,
		Gatherer:   reg,
		Logger:     log,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sup.StartServices()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err = <-serveErr:
		log.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}

	viewers.Close()
	cancelHub()
	cancelRec()
	sup.Close()
	rec.Stop()

	log.Info("Goodbye")
	return errors.Wrap(err, "http server")
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.LogLevel)
	}
	log.SetLevel(level)

	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

func newStorage(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (storage.Storage, error) {
	if cfg.StorageType == "gcs" {
		gcs, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			return nil, errors.Wrap(err, "initialize GCS storage")
		}
		log.WithFields(logrus.Fields{
			"bucket":  cfg.GCSBucketName,
			"project": cfg.GCSProjectID,
			"baseDir": cfg.GCSBaseDir,
		}).Info("Storage initialized: GCS")
		return gcs, nil
	}

	local, err := storage.NewLocalStorage(cfg.StorageDir)
	if err != nil {
		return nil, errors.Wrap(err, "initialize local storage")
	}
	log.WithField("dir", cfg.StorageDir).Info("Storage initialized: local")
	return local, nil
}
