// Package output persists case results as a directory of NIfTI images, PNG
// previews and a metadata record.
//
// A case is written into a hidden staging directory and renamed into place
// only after every file succeeded, so a case directory is either complete or
// absent.
package output

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"ctdrr/internal/models"
	"ctdrr/pkg/config"
	"ctdrr/pkg/nifti"
	"ctdrr/pkg/visualization"
)

// File names inside a case directory.
const (
	VolumeFile   = "ct.nii.gz"
	MetadataFile = "metadata.json"
)

// lpsDirection is the ITK direction that maps the canonical RAS volume onto
// the LPS convention of the file.
var lpsDirection = []float64{-1, 0, 0, 0, -1, 0, 0, 0, 1}

// rename is swapped in tests to simulate a failing commit.
var rename = os.Rename

// WriteError reports a failure while persisting a case.
type WriteError struct {
	CaseID string
	Path   string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing case %s (%s): %v", e.CaseID, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Metadata is the per-case JSON record.
type Metadata struct {
	CaseID string      `json:"case_id"`
	CT     CTMetadata  `json:"ct"`
	DRR    DRRMetadata `json:"drr"`
}

// CTMetadata describes the normalized volume.
type CTMetadata struct {
	ShapeZYX   [3]int     `json:"shape_zyx"`
	SpacingZYX [3]float64 `json:"spacing_zyx"`
}

// DRRMetadata describes the acquisition geometry and sweep.
type DRRMetadata struct {
	SID             float64    `json:"SID"`
	SOD             float64    `json:"SOD"`
	DetectorPadding float64    `json:"detector_padding"`
	SDetector       [2]float64 `json:"sDetector"`
	DDetector       [2]float64 `json:"dDetector"`
	NDetector       [2]int     `json:"nDetector"`
	AnglesDeg       []float64  `json:"angles_deg"`
	Mode            string     `json:"mode"`
	RotationAxis    string     `json:"rotation_axis"`
}

// NewMetadata builds the metadata record of a case result.
func NewMetadata(res *models.CaseResult, padding float64) *Metadata {
	geo := res.Geometry
	return &Metadata{
		CaseID: res.CaseID,
		CT: CTMetadata{
			ShapeZYX:   res.Volume.Shape,
			SpacingZYX: res.Volume.Spacing,
		},
		DRR: DRRMetadata{
			SID:             geo.SDD,
			SOD:             geo.SOD,
			DetectorPadding: padding,
			SDetector:       geo.DetectorSize,
			DDetector:       geo.DetectorSpacing,
			NDetector:       geo.DetectorShape,
			AnglesDeg:       append([]float64(nil), res.Projections.AnglesDeg...),
			Mode:            geo.Mode,
			RotationAxis:    models.AxisName(geo.RotationAxis),
		},
	}
}

// ProjectionName returns the file stem of the projection at angle degrees.
func ProjectionName(caseID string, degrees float64) string {
	return fmt.Sprintf("%s_drr_angle%03d", caseID, int(math.RoundToEven(degrees)))
}

// Writer writes case directories below a dataset root.
type Writer struct {
	root string
	cfg  *config.Config
}

// NewWriter creates a writer for the dataset directory of cfg.
func NewWriter(cfg *config.Config) *Writer {
	return &Writer{root: cfg.Paths.OutputDir, cfg: cfg}
}

// CaseDir returns the final directory of a case.
func (w *Writer) CaseDir(caseID string) string {
	return filepath.Join(w.root, caseID)
}

// StagingDir returns the directory a case is written to before commit.
func (w *Writer) StagingDir(caseID string) string {
	return filepath.Join(w.root, "."+caseID+".partial")
}

// backupDir holds the previous case directory while a new one is committed.
func (w *Writer) backupDir(caseID string) string {
	return filepath.Join(w.root, "."+caseID+".previous")
}

// Write persists a case and returns its final directory. On failure nothing
// is left behind for the case.
func (w *Writer) Write(res *models.CaseResult) (string, error) {
	stage := w.StagingDir(res.CaseID)
	if err := os.RemoveAll(stage); err != nil {
		return "", &WriteError{CaseID: res.CaseID, Path: stage, Err: err}
	}
	if err := os.MkdirAll(stage, 0755); err != nil {
		return "", &WriteError{CaseID: res.CaseID, Path: stage, Err: err}
	}

	if err := w.writeFiles(stage, res); err != nil {
		os.RemoveAll(stage)
		return "", err
	}

	if err := w.commit(res.CaseID, stage); err != nil {
		os.RemoveAll(stage)
		return "", err
	}
	return w.CaseDir(res.CaseID), nil
}

// commit moves stage onto the case directory. An existing case directory is
// kept aside until the rename succeeded and restored when it did not.
func (w *Writer) commit(caseID, stage string) error {
	final := w.CaseDir(caseID)
	backup := w.backupDir(caseID)
	if err := os.RemoveAll(backup); err != nil {
		return &WriteError{CaseID: caseID, Path: backup, Err: err}
	}

	hadPrevious := false
	if _, err := os.Stat(final); err == nil {
		if err := rename(final, backup); err != nil {
			return &WriteError{CaseID: caseID, Path: final, Err: err}
		}
		hadPrevious = true
	}

	if err := rename(stage, final); err != nil {
		if hadPrevious {
			rename(backup, final)
		}
		return &WriteError{CaseID: caseID, Path: final, Err: err}
	}

	if hadPrevious {
		os.RemoveAll(backup)
	}
	return nil
}

func (w *Writer) writeFiles(dir string, res *models.CaseResult) error {
	if res.Volume == nil || res.Projections == nil || res.Geometry == nil {
		return &WriteError{CaseID: res.CaseID, Path: dir, Err: fmt.Errorf("incomplete case result")}
	}
	if res.Projections.Len() != len(res.Projections.AnglesDeg) {
		return &WriteError{
			CaseID: res.CaseID,
			Path:   dir,
			Err:    fmt.Errorf("%d images for %d angles", res.Projections.Len(), len(res.Projections.AnglesDeg)),
		}
	}

	if err := w.writeVolume(dir, res); err != nil {
		return err
	}
	if err := w.writeProjections(dir, res); err != nil {
		return err
	}

	if w.cfg.Output.WriteCTPreviews {
		win := w.cfg.Preprocessing.Window
		viewer := visualization.NewViewer(res.Volume, win.Lower, win.Upper)
		if err := viewer.SaveMidSlices(dir); err != nil {
			return &WriteError{CaseID: res.CaseID, Path: dir, Err: err}
		}
	}

	return w.writeMetadata(dir, res)
}

// writeVolume stores the volume with file axes (x, y, z) = (column, row, depth).
func (w *Writer) writeVolume(dir string, res *models.CaseResult) error {
	vol := res.Volume
	spacing := []float64{vol.Spacing[2], vol.Spacing[1], vol.Spacing[0]}
	img := &nifti.Image{
		Dims:    []int{vol.Shape[2], vol.Shape[1], vol.Shape[0]},
		Spacing: spacing,
		Affine:  nifti.ITKAffine(lpsDirection, spacing, []float64{0, 0, 0}),
		Data:    vol.Data,
	}

	path := filepath.Join(dir, VolumeFile)
	if err := nifti.Write(path, img); err != nil {
		return &WriteError{CaseID: res.CaseID, Path: path, Err: err}
	}
	return nil
}

// writeProjections stores each projection with file axes (x, y) = (u, v).
func (w *Writer) writeProjections(dir string, res *models.CaseResult) error {
	geo := res.Geometry
	spacing := []float64{geo.DetectorSpacing[1], geo.DetectorSpacing[0]}
	affine := nifti.ITKAffine([]float64{1, 0, 0, 1}, spacing, []float64{0, 0})

	for i, proj := range res.Projections.Images {
		name := ProjectionName(res.CaseID, res.Projections.AnglesDeg[i])

		path := filepath.Join(dir, name+".nii.gz")
		img := &nifti.Image{
			Dims:    []int{proj.Cols, proj.Rows},
			Spacing: spacing,
			Affine:  affine,
			Data:    proj.Data,
		}
		if err := nifti.Write(path, img); err != nil {
			return &WriteError{CaseID: res.CaseID, Path: path, Err: err}
		}

		if !w.cfg.Output.WritePNG {
			continue
		}
		path = filepath.Join(dir, name+".png")
		if _, err := visualization.SaveProjection(proj, geo.DetectorSpacing, w.cfg.Output.AspectCorrectPreview, path); err != nil {
			return &WriteError{CaseID: res.CaseID, Path: path, Err: err}
		}
	}
	return nil
}

func (w *Writer) writeMetadata(dir string, res *models.CaseResult) error {
	path := filepath.Join(dir, MetadataFile)
	data, err := json.MarshalIndent(NewMetadata(res, w.cfg.Detector.Padding), "", "  ")
	if err != nil {
		return &WriteError{CaseID: res.CaseID, Path: path, Err: err}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return &WriteError{CaseID: res.CaseID, Path: path, Err: err}
	}
	return nil
}
