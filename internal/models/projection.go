package models

// Image is a single 2-D projection in row-major order.
type Image struct {
	Data []float32
	Rows int
	Cols int
}

// NewImage allocates a zero-filled image.
func NewImage(rows, cols int) Image {
	return Image{Data: make([]float32, rows*cols), Rows: rows, Cols: cols}
}

// At returns the pixel at (row, col).
func (im Image) At(row, col int) float32 {
	return im.Data[row*im.Cols+col]
}

// ProjectionSet pairs projections with the gantry angles they were taken at.
type ProjectionSet struct {
	// Images holds one projection per angle, in sweep order
	Images []Image

	// AnglesDeg is the ascending angle sweep in degrees
	AnglesDeg []float64
}

// Len returns the number of projections.
func (p *ProjectionSet) Len() int {
	return len(p.Images)
}

// CaseResult bundles everything produced for one input case.
type CaseResult struct {
	CaseID      string
	Volume      *Volume
	Projections *ProjectionSet
	Geometry    *Geometry
}
