// Package dataset drives the per-case pipeline that turns a directory of CT
// volumes into a paired CT/DRR dataset.
//
// Every case goes through the same states:
//
//	Start -> Preprocessing -> GeometrySetup -> Projecting -> Writing -> Done
//
// A failure in any state moves the case to Skipped. Skipped cases are logged
// and recorded, and the batch moves on; only problems with the batch itself
// (unreadable input directory, uncreatable output directory) stop a run.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"ctdrr/internal/ledger"
	"ctdrr/internal/logging"
	"ctdrr/internal/models"
	"ctdrr/pkg/config"
	"ctdrr/pkg/output"
	"ctdrr/pkg/preprocess"
	"ctdrr/pkg/projection"
)

// CaseState is the position of a case in the pipeline.
type CaseState int

const (
	StateStart CaseState = iota
	StatePreprocessing
	StateGeometrySetup
	StateProjecting
	StateWriting
	StateDone
	StateSkipped
)

func (s CaseState) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StatePreprocessing:
		return "Preprocessing"
	case StateGeometrySetup:
		return "GeometrySetup"
	case StateProjecting:
		return "Projecting"
	case StateWriting:
		return "Writing"
	case StateDone:
		return "Done"
	case StateSkipped:
		return "Skipped"
	default:
		return fmt.Sprintf("CaseState(%d)", int(s))
	}
}

// CaseWriter persists a finished case and returns its directory.
type CaseWriter interface {
	Write(res *models.CaseResult) (string, error)
}

// Params holds the collaborators of a dataset run.
type Params struct {
	// Config is finalized and read-only for the whole run
	Config *config.Config

	// Transformer normalizes input files
	Transformer preprocess.Transformer

	// Forward computes the projections
	Forward projection.ForwardProjector

	// Writer persists cases, an output.Writer on Config when nil
	Writer CaseWriter

	// Ledger records the run when not nil
	Ledger *ledger.Store

	// Logger receives progress, a discarding logger when nil
	Logger *log.Logger
}

// CaseFailure describes a skipped case.
type CaseFailure struct {
	CaseID string
	Path   string
	State  CaseState
	Err    error
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID      string
	Discovered int
	Done       int
	Skipped    int
	Failures   []CaseFailure
	Elapsed    time.Duration
}

// caseOutcome is the result of processing a single case.
type caseOutcome struct {
	caseID string
	path   string
	state  CaseState // last state reached
	dir    string
	views  int
	err    error
}

// Builder runs the dataset pipeline.
type Builder struct {
	cfg          *config.Config
	preprocessor *preprocess.Preprocessor
	projector    *projection.Projector
	writer       CaseWriter
	ledger       *ledger.Store
	logger       *log.Logger
}

// NewBuilder wires the pipeline components from params.
func NewBuilder(params *Params) *Builder {
	writer := params.Writer
	if writer == nil {
		writer = output.NewWriter(params.Config)
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Builder{
		cfg:          params.Config,
		preprocessor: preprocess.NewPreprocessor(params.Config, params.Transformer),
		projector:    projection.NewProjector(params.Config, params.Forward),
		writer:       writer,
		ledger:       params.Ledger,
		logger:       logger,
	}
}

// Run processes every case of the input directory in name order.
func (b *Builder) Run() (*Summary, error) {
	progress := logging.NewProgress(b.logger)

	cases, err := ListCases(b.cfg.Paths.InputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.cfg.Paths.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	summary := &Summary{Discovered: len(cases)}
	summary.RunID = b.startRun()

	b.logger.Info("dataset run",
		"input", b.cfg.Paths.InputDir,
		"output", b.cfg.Paths.OutputDir,
		"cases", len(cases),
		"views", b.cfg.Projection.NAngles,
		"mode", b.cfg.Projection.Mode,
	)

	seen := make(map[string]string, len(cases))
	for i, path := range cases {
		start := time.Now()
		var out caseOutcome
		id := CaseID(path)
		if first, dup := seen[id]; dup {
			out = caseOutcome{caseID: id, path: path, state: StateStart,
				err: fmt.Errorf("case id %q is already taken by %s", id, filepath.Base(first))}
		} else {
			seen[id] = path
			out = b.processCase(i+1, len(cases), path)
		}

		if out.err != nil {
			summary.Skipped++
			summary.Failures = append(summary.Failures, CaseFailure{
				CaseID: out.caseID,
				Path:   path,
				State:  out.state,
				Err:    out.err,
			})
			logging.CaseSkipped(b.logger, out.caseID, out.state.String(), out.err)
		} else {
			summary.Done++
			logging.CaseDone(b.logger, out.caseID, out.dir, out.views, time.Since(start))
		}
		b.recordCase(summary.RunID, out, time.Since(start))
	}

	summary.Elapsed = progress.Elapsed()
	if err := b.ledger.FinishRun(summary.RunID, summary.Discovered, summary.Done, summary.Skipped); err != nil {
		b.logger.Warn("failed to finish ledger run", "run", summary.RunID, "err", err)
	}
	logging.BatchSummary(b.logger, summary.Discovered, summary.Done, summary.Skipped, summary.Elapsed)

	return summary, nil
}

// processCase runs one case through the state machine. The returned state is
// where the case stopped; err is set when the case was skipped.
func (b *Builder) processCase(index, total int, path string) caseOutcome {
	out := caseOutcome{caseID: CaseID(path), path: path, state: StateStart}
	logging.CaseStarted(b.logger, index, total, out.caseID, path)

	fail := func(state CaseState, err error) caseOutcome {
		out.state = state
		out.err = err
		return out
	}

	// Preprocessing
	b.logger.Debug("preprocessing", "case", out.caseID)
	vol, spacing, err := b.preprocessor.Process(path)
	if err != nil {
		return fail(StatePreprocessing, err)
	}
	b.logger.Debug("volume ready", "case", out.caseID, "shape", vol.Shape, "spacing", spacing[0], "extent_mm", vol.Extent())

	// Geometry
	geo, err := b.projector.SetupGeometry(vol.Shape, spacing)
	if err != nil {
		return fail(StateGeometrySetup, err)
	}
	b.logger.Debug("geometry",
		"case", out.caseID,
		"detector_mm", geo.DetectorSize,
		"pixel_mm", geo.DetectorSpacing,
	)

	// Projection
	progress := logging.NewProgress(b.logger)
	set, geo, err := b.projector.Project(vol, geo)
	if err != nil {
		return fail(StateProjecting, err)
	}
	progress.Done(fmt.Sprintf("%s: projected %d views", out.caseID, set.Len()))

	// Persistence
	dir, err := b.writer.Write(&models.CaseResult{
		CaseID:      out.caseID,
		Volume:      vol,
		Projections: set,
		Geometry:    geo,
	})
	if err != nil {
		return fail(StateWriting, err)
	}

	out.state = StateDone
	out.dir = dir
	out.views = set.Len()
	return out
}

func (b *Builder) startRun() string {
	if b.ledger == nil {
		return ""
	}
	snapshot, err := yaml.Marshal(b.cfg)
	if err != nil {
		b.logger.Warn("failed to snapshot config", "err", err)
	}
	id, err := b.ledger.StartRun(b.cfg.Paths.InputDir, b.cfg.Paths.OutputDir, string(snapshot))
	if err != nil {
		b.logger.Warn("failed to record run", "err", err)
		return ""
	}
	return id
}

func (b *Builder) recordCase(runID string, out caseOutcome, duration time.Duration) {
	if b.ledger == nil || runID == "" {
		return
	}
	rec := ledger.CaseRecord{
		RunID:     runID,
		CaseID:    out.caseID,
		InputPath: out.path,
		State:     StateDone.String(),
		OutputDir: out.dir,
		Views:     out.views,
		Duration:  duration,
	}
	if out.err != nil {
		rec.State = StateSkipped.String()
		rec.Error = fmt.Sprintf("%s: %v", out.state, out.err)
	}
	if err := b.ledger.RecordCase(rec); err != nil {
		b.logger.Warn("failed to record case", "case", out.caseID, "err", err)
	}
}

// ListCases returns the .nii and .nii.gz files of dir sorted by name. Hidden
// files are ignored.
func ListCases(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read input directory: %w", err)
	}

	var cases []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := strings.ToLower(entry.Name())
		if strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz") {
			cases = append(cases, filepath.Join(dir, entry.Name()))
		}
	}
	return cases, nil
}

// CaseID derives the case identifier from a file name by dropping every
// extension, so "lung_001.nii.gz" becomes "lung_001". A leading dot belongs
// to the name: ".x.nii" becomes ".x".
func CaseID(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base[1:], "."); i >= 0 {
		return base[:i+1]
	}
	return base
}
