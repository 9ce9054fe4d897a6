package cmd

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"avatarcam/config"
	"avatarcam/internal/shm"
)

// InspectOptions holds command options
type InspectOptions struct {
	Path string
	JSON bool
}

// RegionReport describes a region as found on disk
type RegionReport struct {
	Path         string `json:"path"`
	FileSize     int64  `json:"fileSize"`
	Valid        bool   `json:"valid"`
	Error        string `json:"error,omitempty"`
	Width        int32  `json:"width,omitempty"`
	Height       int32  `json:"height,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	ExpectedSize int    `json:"expectedSize,omitempty"`
	Sequenced    bool   `json:"sequenced"`
	Sequence     uint32 `json:"sequence,omitempty"`
	Configured   string `json:"configured"`
	Matches      bool   `json:"matchesConfig"`
}

// NewInspectCommand creates the inspect command
func NewInspectCommand() *cobra.Command {
	opts := &InspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the header of the shared region",
		Long:  `Map the shared region once, decode its header and report whether it matches the configured frame size.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Path, "path", "", "Region path (overrides region.path)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print the report as JSON")

	return cmd
}

func runInspect(out io.Writer, opts *InspectOptions) error {
	cfg, err := config.Load(globalOpts.ConfigFile)
	if err != nil {
		return err
	}
	if opts.Path != "" {
		cfg.RegionPath = opts.Path
	}

	report, err := inspectRegion(cfg)
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(out, report)
	return nil
}

// inspectRegion maps the whole region read-only and decodes it
func inspectRegion(cfg *config.Config) (*RegionReport, error) {
	info, err := os.Stat(cfg.RegionPath)
	if err != nil {
		return nil, errors.Wrapf(shm.ErrNotFound, "%s: %v", cfg.RegionPath, err)
	}

	report := &RegionReport{
		Path:       cfg.RegionPath,
		FileSize:   info.Size(),
		Configured: cfg.Resolution(),
	}
	if info.Size() < shm.HeaderSize {
		report.Error = shm.ErrHeaderInvalid.Error()
		return report, nil
	}

	m := shm.NewMapper(cfg.RegionPath, int(info.Size()), shm.ReadOnly)
	if err := m.Connect(); err != nil {
		return nil, err
	}
	defer m.Close()

	region := m.Bytes()
	h, err := shm.DecodeHeader(region)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}

	report.Valid = true
	report.Width = h.Width
	report.Height = h.Height
	report.Timestamp = h.Timestamp
	report.Matches = h.Validate(cfg.Width, cfg.Height) == nil

	if h.Width > 0 && h.Height > 0 {
		report.ExpectedSize = shm.RegionSize(int(h.Width), int(h.Height), false)
		off := report.ExpectedSize
		if len(region) >= off+shm.SequenceSize {
			report.Sequenced = true
			report.Sequence = binary.LittleEndian.Uint32(region[off:])
		}
	}
	return report, nil
}

func printReport(out io.Writer, r *RegionReport) {
	fmt.Fprintf(out, "Region:      %s\n", r.Path)
	fmt.Fprintf(out, "File size:   %d bytes\n", r.FileSize)
	if !r.Valid {
		fmt.Fprintf(out, "Header:      invalid (%s)\n", r.Error)
		return
	}

	fmt.Fprintf(out, "Header:      ok\n")
	fmt.Fprintf(out, "Frame size:  %dx%d (configured %s, match=%v)\n", r.Width, r.Height, r.Configured, r.Matches)
	fmt.Fprintf(out, "Timestamp:   %d", r.Timestamp)
	if r.Timestamp > 0 {
		fmt.Fprintf(out, " (%s as Unix ms)", time.UnixMilli(r.Timestamp).Format(time.RFC3339Nano))
	}
	fmt.Fprintln(out)
	if r.Sequenced {
		state := "idle"
		if r.Sequence&1 == 1 {
			state = "write in progress"
		}
		fmt.Fprintf(out, "Sequence:    %d (%s)\n", r.Sequence, state)
	}
}
