package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"ctdrr/internal/models"
	"ctdrr/pkg/config"
	"ctdrr/pkg/projection"
)

func newGeometryCmd(opts *rootOptions) *cobra.Command {
	var shape []int

	cmd := &cobra.Command{
		Use:   "geometry",
		Short: "Print the acquisition geometry for a volume size",
		Long:  `Derive the source/detector geometry and angle sweep that "run" would use for a normalized volume of the given shape, without reading or writing any volume.`,
		Example: `  ctdrr geometry
  ctdrr geometry --shape 100,100,100 --spacing 1.875 --padding 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if len(shape) != 3 {
				return fmt.Errorf("--shape needs three values (depth,row,column), got %d", len(shape))
			}

			s := cfg.Preprocessing.TargetSpacing
			p := projection.NewProjector(cfg, nil)
			geo, err := p.SetupGeometry([3]int{shape[0], shape[1], shape[2]}, [3]float64{s, s, s})
			if err != nil {
				return err
			}
			renderGeometry(cmd.OutOrStdout(), geo, p.Angles())
			return nil
		},
	}

	addConfigFlags(cmd.Flags())
	cmd.Flags().IntSliceVar(&shape, "shape", []int{128, 128, 128}, "volume shape as depth,row,column")

	return cmd
}

func renderGeometry(w io.Writer, geo *models.Geometry, angles []float64) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Parameter", "Value"})
	t.AppendRows([]table.Row{
		{"Mode", geo.Mode},
		{"Rotation axis", models.AxisName(geo.RotationAxis)},
		{"SDD / SOD (mm)", fmt.Sprintf("%g / %g", geo.SDD, geo.SOD)},
		{"Magnification", fmt.Sprintf("%.4f", geo.Magnification())},
		{"Volume shape", fmt.Sprintf("%d x %d x %d", geo.VoxelShape[0], geo.VoxelShape[1], geo.VoxelShape[2])},
		{"Volume size (mm)", fmt.Sprintf("%.2f x %.2f x %.2f", geo.VolumeSize[0], geo.VolumeSize[1], geo.VolumeSize[2])},
		{"Detector pixels", fmt.Sprintf("%d x %d", geo.DetectorShape[0], geo.DetectorShape[1])},
		{"Detector size (mm)", fmt.Sprintf("%.2f x %.2f", geo.DetectorSize[0], geo.DetectorSize[1])},
		{"Pixel spacing (mm)", fmt.Sprintf("%.4f x %.4f", geo.DetectorSpacing[0], geo.DetectorSpacing[1])},
		{"Angles (deg)", formatAngles(angles)},
	})
	t.Render()
}

func formatAngles(angles []float64) string {
	parts := make([]string, len(angles))
	for i, a := range angles {
		parts[i] = fmt.Sprintf("%g", a)
	}
	return strings.Join(parts, ", ")
}
