package transform

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// AxisOrientation tells which world axis a voxel axis runs along and in which
// direction. World axes are RAS: 0 = left to right, 1 = posterior to
// anterior, 2 = inferior to superior.
type AxisOrientation struct {
	World int
	Sign  int
}

// Orientation holds one AxisOrientation per voxel axis.
type Orientation [3]AxisOrientation

// labels maps (world axis, sign) onto the axis code a voxel axis pointing
// that way is given.
var labels = map[AxisOrientation]byte{
	{0, 1}: 'R', {0, -1}: 'L',
	{1, 1}: 'A', {1, -1}: 'P',
	{2, 1}: 'S', {2, -1}: 'I',
}

// Codes returns the axis code string, e.g. "RAS" or "LPI".
func (o Orientation) Codes() string {
	var b strings.Builder
	for _, a := range o {
		b.WriteByte(labels[a])
	}
	return b.String()
}

// ParseAxcodes converts an axis code string into an Orientation.
func ParseAxcodes(codes string) (Orientation, error) {
	var o Orientation
	codes = strings.ToUpper(codes)
	if len(codes) != 3 {
		return o, fmt.Errorf("axis codes must have three letters, got %q", codes)
	}

	seen := [3]bool{}
	for i := 0; i < 3; i++ {
		found := false
		for ao, label := range labels {
			if label == codes[i] {
				o[i] = ao
				found = true
				break
			}
		}
		if !found {
			return o, fmt.Errorf("unknown axis code %q in %q", codes[i], codes)
		}
		if seen[o[i].World] {
			return o, fmt.Errorf("axis codes %q name the same world axis twice", codes)
		}
		seen[o[i].World] = true
	}
	return o, nil
}

// AffineOrientation derives the orientation of each voxel axis from the
// direction columns of a voxel-to-RAS affine. Axes are assigned greedily,
// strongest direction component first, so an oblique affine still yields a
// permutation.
func AffineOrientation(affine *mat.Dense) (Orientation, error) {
	var o Orientation
	rot := affine.Slice(0, 3, 0, 3)

	type candidate struct {
		voxel, world int
		weight       float64
	}
	var cands []candidate
	for v := 0; v < 3; v++ {
		col := mat.Col(nil, v, rot)
		norm := math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
		if norm == 0 {
			return o, fmt.Errorf("affine column %d is zero", v)
		}
		for w := 0; w < 3; w++ {
			cands = append(cands, candidate{voxel: v, world: w, weight: col[w] / norm})
		}
	}

	voxelDone := [3]bool{}
	worldDone := [3]bool{}
	for assigned := 0; assigned < 3; assigned++ {
		best := -1
		for i, c := range cands {
			if voxelDone[c.voxel] || worldDone[c.world] {
				continue
			}
			if best < 0 || math.Abs(c.weight) > math.Abs(cands[best].weight) {
				best = i
			}
		}
		c := cands[best]
		sign := 1
		if c.weight < 0 {
			sign = -1
		}
		o[c.voxel] = AxisOrientation{World: c.world, Sign: sign}
		voxelDone[c.voxel] = true
		worldDone[c.world] = true
	}
	return o, nil
}

// Transform returns, for every output axis, the input axis it is taken from
// and whether it must be reversed to turn orientation from into to.
func Transform(from, to Orientation) (perm [3]int, flip [3]bool) {
	for t := 0; t < 3; t++ {
		for i := 0; i < 3; i++ {
			if from[i].World == to[t].World {
				perm[t] = i
				flip[t] = from[i].Sign != to[t].Sign
			}
		}
	}
	return perm, flip
}

// VoxelSpacing returns the length of each direction column of the affine.
func VoxelSpacing(affine *mat.Dense) [3]float64 {
	var s [3]float64
	for v := 0; v < 3; v++ {
		col := mat.Col(nil, v, affine.Slice(0, 3, 0, 3))
		s[v] = math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
	}
	return s
}
