package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctdrr/pkg/config"
	"ctdrr/pkg/nifti"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.0.0", "abc123", "2026-01-01")
	defer SetVersion("dev", "", "")

	if version != "1.0.0" {
		t.Errorf("version = %q, want %q", version, "1.0.0")
	}
	if commit != "abc123" {
		t.Errorf("commit = %q, want %q", commit, "abc123")
	}
	if date != "2026-01-01" {
		t.Errorf("date = %q, want %q", date, "2026-01-01")
	}
}

func TestGeometryCommand(t *testing.T) {
	out, err := execute(t, "geometry", "--shape", "100,100,100", "--spacing", "1.875")
	require.NoError(t, err)

	assert.Contains(t, out, "168.75 x 238.65")
	assert.Contains(t, out, "0.3296 x 0.4661")
	assert.Contains(t, out, "0, 45, 90")
	assert.Contains(t, out, "parallel")
}

func TestGeometryCommandFlagsOverride(t *testing.T) {
	out, err := execute(t, "geometry", "--shape", "10,20,30", "--spacing", "1",
		"--padding", "1", "--n-angles", "1", "--rotation-axis", "column", "--mode", "cone")
	require.NoError(t, err)

	assert.Contains(t, out, "45.00 x 33.54")
	assert.Contains(t, out, "column")
	assert.Contains(t, out, "cone")
}

func TestGeometryCommandRejectsBadShape(t *testing.T) {
	_, err := execute(t, "geometry", "--shape", "10,20")
	assert.Error(t, err)

	_, err = execute(t, "geometry", "--sdd", "10")
	assert.Error(t, err)

	_, err = execute(t, "geometry", "--end-angle", "0")
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "ctdrr.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Projection.NAngles)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err)

	_, err = execute(t, "config", "init", "--force", path)
	assert.NoError(t, err)
}

func TestRunAndHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end to end run in short mode")
	}

	root := t.TempDir()
	input := filepath.Join(root, "CTs")
	require.NoError(t, os.MkdirAll(input, 0755))

	img := &nifti.Image{
		Dims:    []int{6, 6, 6},
		Spacing: []float64{2, 2, 2},
		Affine:  nifti.DiagonalAffine([]float64{2, 2, 2}),
		Data:    make([]float32, 216),
	}
	for i := range img.Data {
		img.Data[i] = float32(i%9) * 150
	}
	require.NoError(t, nifti.Write(filepath.Join(input, "good.nii.gz"), img))
	require.NoError(t, os.WriteFile(filepath.Join(input, "bad.nii"), []byte("not a volume"), 0644))

	cfgPath := filepath.Join(root, "ctdrr.yaml")
	cfg := config.DefaultConfig()
	cfg.Preprocessing.TargetSize = []int{8, 8, 8}
	cfg.Detector.Pixels = []int{12, 16}
	require.NoError(t, config.SaveConfig(cfg, cfgPath))

	outDir := filepath.Join(root, "dataset")
	ledgerPath := filepath.Join(root, "ledger.db")

	out, err := execute(t, "run", "--config", cfgPath, "--input", input, "--output", outDir, "--ledger", ledgerPath, "-j", "2")
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(out), "discovered")
	assert.Contains(t, out, "bad")
	assert.DirExists(t, filepath.Join(outDir, "good"))
	assert.NoDirExists(t, filepath.Join(outDir, "bad"))

	out, err = execute(t, "history", "--ledger", ledgerPath)
	require.NoError(t, err)
	assert.Contains(t, out, "good")
	assert.Contains(t, out, "Skipped")
	assert.Contains(t, out, "(2 cases)")
}

func TestHistoryWithoutLedger(t *testing.T) {
	_, err := execute(t, "history")
	assert.Error(t, err)

	_, err = execute(t, "history", "--ledger", filepath.Join(t.TempDir(), "missing.db"))
	assert.Error(t, err)
}
