package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"avatarcam/config"
	"avatarcam/httpServer"
	"avatarcam/internal/auth"
	"avatarcam/internal/driver"
	"avatarcam/internal/logging"
	"avatarcam/internal/metrics"
	"avatarcam/internal/pump"
	"avatarcam/internal/shm"
	"avatarcam/internal/snapshot"
	"avatarcam/internal/storage"
	"avatarcam/internal/streammanager"
)

// RelayOptions holds command options
type RelayOptions struct {
	Driver string
	Addr   string
}

// NewRelayCommand creates the relay command
func NewRelayCommand() *cobra.Command {
	opts := &RelayOptions{}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay frames from the shared region to the virtual camera",
		Long: `Poll the shared region at the configured rate and hand every frame to the
configured driver adapter, the HTTP preview and the snapshot recorder. Runs
until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Driver, "driver", "", "Driver adapter: none, coremediaio or directshow (overrides driver.kind)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides http.addr)")

	return cmd
}

// teeCore lets a driver adapter own the pump's sink without cutting off the hub
type teeCore struct {
	*pump.Pump
	hub pump.Sink
}

func (c teeCore) SetSink(sink pump.Sink) {
	c.Pump.SetSink(pump.Tee(c.hub, sink))
}

func runRelay(opts *RelayOptions) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if opts.Driver != "" {
		cfg.DriverKind = opts.Driver
	}
	if opts.Addr != "" {
		cfg.HTTPAddr = opts.Addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.Component(logger, "relay")
	log.WithFields(logrus.Fields{
		"region":     cfg.RegionPath,
		"resolution": cfg.Resolution(),
		"format":     cfg.PixelFormat,
		"sequenced":  cfg.Sequenced,
		"driver":     cfg.DriverKind,
	}).Info("Starting avatarcam relay")

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	reader := shm.NewReader(shm.ReaderConfig{
		Path:               cfg.RegionPath,
		Width:              cfg.Width,
		Height:             cfg.Height,
		Sequenced:          cfg.Sequenced,
		MaxRetries:         cfg.MaxRetries,
		StaleCheckInterval: cfg.StaleCheckInterval,
		Logger:             logging.Component(logger, "reader"),
	})
	defer reader.Close()

	p := pump.New(reader, pump.Config{
		Interval: cfg.PumpInterval,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Format:   cfg.PixelFormat,
	}, pump.WithLogger(logging.Component(logger, "pump")), pump.WithRecorder(m))

	hub := streammanager.New(m)
	defer hub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// Attach the driver adapter; it starts the pump
	release, err := startDriver(ctx, g, cfg, p, hub, m, logger)
	if err != nil {
		return err
	}
	defer release()

	// Initialize snapshots
	var snaps *snapshot.Snapshotter
	if cfg.SnapshotEnabled {
		store, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		snaps = snapshot.New(store, hub, snapshot.Config{
			Interval:     cfg.SnapshotInterval,
			MaxSnapshots: cfg.SnapshotMax,
		}, logging.Component(logger, "snapshot"), m)
		if err := snaps.Start(); err != nil {
			return err
		}
		defer snaps.Stop()
	}

	authManager := auth.New(cfg.ControlToken)
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := authManager.CleanupExpired(); n > 0 {
					log.WithField("removed", n).Debug("Removed expired control tokens")
				}
			}
		}
	})

	if cfg.HTTPEnabled {
		srv := httpServer.New(httpServer.Deps{
			Pump:        p,
			Region:      reader,
			Hub:         hub,
			Auth:        authManager,
			Snapshots:   snaps,
			Metrics:     m,
			Gatherer:    reg,
			Driver:      cfg.DriverKind,
			PreviewFPS:  cfg.PreviewFPS,
			JPEGQuality: cfg.JPEGQuality,
			Logger:      logging.Component(logger, "http"),
		})
		g.Go(func() error {
			return srv.Serve(ctx, cfg.HTTPAddr)
		})
	}

	log.Info("avatarcam relay started")
	<-ctx.Done()
	log.Info("Shutting down")

	return g.Wait()
}

// startDriver binds the configured adapter to the pump and starts it. The
// returned function stops the adapter and the pump.
func startDriver(ctx context.Context, g *errgroup.Group, cfg *config.Config, p *pump.Pump, hub *streammanager.Manager, m *metrics.Metrics, logger *logrus.Logger) (func(), error) {
	core := teeCore{Pump: p, hub: hub}
	log := logging.Component(logger, "driver")

	switch cfg.DriverKind {
	case driver.KindCoreMediaIO:
		// Without a DAL host in-process, samples are released as soon as they are enqueued
		host := driver.MacHostFunc(func(sample driver.SampleBuffer) error {
			sample.Buffer.Release()
			return nil
		})
		a, err := driver.NewMacAdapter(core, host, driver.MacConfig{
			Width:    cfg.Width,
			Height:   cfg.Height,
			Format:   cfg.PixelFormat,
			PoolSize: cfg.DriverPoolSize,
			Logger:   log,
			Recorder: m,
		})
		if err != nil {
			return nil, err
		}
		if err := a.Start(); err != nil {
			return nil, errors.Wrap(err, "start coremediaio adapter")
		}
		return func() { a.Stop() }, nil

	case driver.KindDirectShow:
		a, err := driver.NewWindowsAdapter(core, driver.WindowsConfig{
			Width:    cfg.Width,
			Height:   cfg.Height,
			Format:   cfg.PixelFormat,
			Flip:     cfg.DriverFlip,
			Logger:   log,
			Recorder: m,
		})
		if err != nil {
			return nil, err
		}
		if err := a.Start(); err != nil {
			return nil, errors.Wrap(err, "start directshow adapter")
		}
		// Stand in for the graph's streaming thread
		g.Go(func() error {
			return driver.PullLoop(ctx, a, 0, nil)
		})
		return func() { a.Release() }, nil

	default:
		p.SetSink(hub)
		p.Start()
		return p.Stop, nil
	}
}

// openStorage opens the snapshot backend
func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.StorageType == "gcs" {
		return storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
	}
	return storage.NewLocalStorage(cfg.StorageDir)
}
