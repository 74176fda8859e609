package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"ctdrr/internal/ledger"
	"ctdrr/pkg/config"
	"ctdrr/pkg/dataset"
	"ctdrr/pkg/raycast"
	"ctdrr/pkg/transform"
)

// addConfigFlags registers the flags that override configuration keys.
func addConfigFlags(fs *pflag.FlagSet) {
	def := config.DefaultConfig()

	fs.String("input", def.Paths.InputDir, "directory of .nii / .nii.gz volumes")
	fs.String("output", "", "dataset directory (default dataset_<n>views_<end>deg)")
	fs.Float64("spacing", def.Preprocessing.TargetSpacing, "isotropic voxel size in mm")
	fs.String("mode", def.Projection.Mode, "beam geometry: cone or parallel")
	fs.Float64("sdd", def.Projection.SDD, "source to detector distance in mm")
	fs.Float64("sod", def.Projection.SOD, "source to rotation center distance in mm")
	fs.Int("n-angles", def.Projection.NAngles, "number of projections")
	fs.Float64("end-angle", def.Projection.EndAngle, "last angle of the sweep in degrees")
	fs.String("rotation-axis", def.Projection.RotationAxis, "rotation axis: depth, row or column")
	fs.Float64("padding", def.Detector.Padding, "detector size factor over the magnified footprint")
	fs.Bool("png", def.Output.WritePNG, "write 8-bit PNG previews")
	fs.Bool("ct-previews", def.Output.WriteCTPreviews, "write CT mid-slice previews")
	fs.String("ledger", def.Output.LedgerPath, "SQLite run ledger path")
	fs.String("log-level", def.Logging.Level, "log level: debug, info, warn or error")
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a CT/DRR dataset",
		Long:  `Process every .nii / .nii.gz volume of the input directory: normalize it, derive the acquisition geometry, render the angle sweep and write the case directory. Failing cases are skipped and reported at the end.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			logger := applyLogLevel(cmd.Context(), opts, cfg.Logging.Level)

			var store *ledger.Store
			if cfg.Output.LedgerPath != "" {
				store, err = ledger.Open(cfg.Output.LedgerPath)
				if err != nil {
					return fmt.Errorf("failed to open ledger: %w", err)
				}
				defer store.Close()
			}

			builder := dataset.NewBuilder(&dataset.Params{
				Config:      cfg,
				Transformer: transform.NewChain(workers),
				Forward:     &raycast.Projector{Workers: workers},
				Ledger:      store,
				Logger:      logger,
			})

			summary, err := builder.Run()
			if err != nil {
				return err
			}
			renderSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	addConfigFlags(cmd.Flags())
	cmd.Flags().IntVarP(&workers, "workers", "j", 0, "goroutines for resampling and projection (0 = all cores)")

	return cmd
}

func renderSummary(w io.Writer, s *dataset.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Discovered", "Done", "Skipped", "Elapsed"})
	t.AppendRow(table.Row{s.Discovered, s.Done, s.Skipped, s.Elapsed.Round(time.Millisecond)})
	t.Render()

	if len(s.Failures) == 0 {
		return
	}

	f := table.NewWriter()
	f.SetOutputMirror(w)
	f.SetStyle(table.StyleLight)
	f.AppendHeader(table.Row{"Case", "State", "Error"})
	for _, failure := range s.Failures {
		f.AppendRow(table.Row{failure.CaseID, failure.State, failure.Err})
	}
	f.Render()
}
