package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"avatarcam/internal/logging"
	"avatarcam/internal/shm"
)

// ProduceOptions holds command options
type ProduceOptions struct {
	FPS      float64
	Duration time.Duration
	Remove   bool
}

// NewProduceCommand creates the produce command
func NewProduceCommand() *cobra.Command {
	opts := &ProduceOptions{}

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Publish an animated test pattern into the shared region",
		Long: `Create the shared region and write an animated test pattern into it, the same
way a renderer would. Useful for checking a relay or a virtual camera without
the real producer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProduce(cmd.Context(), opts)
		},
	}

	cmd.Flags().Float64Var(&opts.FPS, "fps", 30, "Frames per second to publish")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.Remove, "remove", false, "Delete the region file on exit")

	return cmd
}

func runProduce(ctx context.Context, opts *ProduceOptions) error {
	if opts.FPS <= 0 {
		return errors.Errorf("--fps must be positive, got %v", opts.FPS)
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	log := logging.Component(logger, "produce")

	w := shm.NewWriter(shm.WriterConfig{
		Path:      cfg.RegionPath,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Sequenced: cfg.Sequenced,
	})
	if err := w.Open(); err != nil {
		return errors.Wrapf(err, "open region %s", cfg.RegionPath)
	}
	defer func() {
		if opts.Remove {
			if err := w.Remove(); err != nil {
				log.WithError(err).Warn("Failed to remove region")
			}
			return
		}
		w.Close()
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	log.WithFields(logrus.Fields{
		"region":     w.Path(),
		"resolution": cfg.Resolution(),
		"format":     cfg.PixelFormat,
		"sequenced":  cfg.Sequenced,
		"fps":        opts.FPS,
	}).Info("Publishing test pattern")

	written, err := produceFrames(ctx, w, cfg.Width, cfg.Height, opts.FPS, cfg.PixelFormat)
	log.WithField("frames", written).Info("Producer stopped")
	return err
}
