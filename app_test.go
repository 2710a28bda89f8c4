package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ibois-epfl/diffCheck/pipeline"
)

// writeDoc stores v as JSON under dir and returns its path.
func writeDoc(t *testing.T, dir, name string, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	yaml := `thresholds:
  correspondence: 0.1
sampling:
  pointsPerFace: 400
log:
  level: warn
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestApp(t *testing.T, configFile string) (*App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: configFile, LogLevel: "error", Out: &out})
	return app, &out
}

func readJSONFile(t *testing.T, path string, v interface{}) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

// ---------------------------------------------------------------------------
// compare
// ---------------------------------------------------------------------------

func TestApp_RunCompareClouds(t *testing.T) {
	dir := t.TempDir()
	scan := writeDoc(t, dir, "scan.json", floorScanDoc(0))
	output := filepath.Join(dir, "summary.json")

	app, out := newTestApp(t, "")
	err := app.RunCompare(context.Background(), CompareOptions{
		Sources: []string{scan},
		Targets: []string{scan},
		Output:  output,
	})
	if err != nil {
		t.Fatalf("RunCompare: %v", err)
	}
	if !strings.Contains(out.String(), "rmse") {
		t.Errorf("expected a summary table, got: %s", out.String())
	}

	var s pipeline.ComparisonSummary
	readJSONFile(t, output, &s)
	if len(s.Results) != 1 || s.Results[0].RMSE != 0 || s.Results[0].Points != 121 {
		t.Errorf("unexpected summary: %+v", s.Results)
	}
}

func TestApp_RunCompareMesh(t *testing.T) {
	dir := t.TempDir()
	// A file holding an array of clouds yields one source per element.
	scans := writeDoc(t, dir, "scans.json", []CloudDoc{floorScanDoc(0), floorScanDoc(0)})
	m := writeDoc(t, dir, "floor.json", floorDoc(0))
	output := filepath.Join(dir, "summary.json")

	app, _ := newTestApp(t, "")
	err := app.RunCompare(context.Background(), CompareOptions{
		Sources: []string{scans},
		Meshes:  []string{m, m},
		Signed:  true,
		Output:  output,
	})
	if err != nil {
		t.Fatalf("RunCompare: %v", err)
	}
	var s pipeline.ComparisonSummary
	readJSONFile(t, output, &s)
	if !s.Signed || len(s.Results) != 2 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.Results[1].TargetKind != "mesh" || s.Results[1].RMSE > 1e-12 {
		t.Errorf("unexpected result: %+v", s.Results[1])
	}
}

func TestApp_RunCompareMissingFile(t *testing.T) {
	app, _ := newTestApp(t, "")
	err := app.RunCompare(context.Background(), CompareOptions{
		Sources: []string{filepath.Join(t.TempDir(), "nope.json")},
		Targets: []string{"also-missing.json"},
	})
	if err == nil {
		t.Fatal("expected error for a missing source file")
	}
}

// ---------------------------------------------------------------------------
// segmentation
// ---------------------------------------------------------------------------

func TestApp_RunJoints(t *testing.T) {
	dir := t.TempDir()
	assembly := writeDoc(t, dir, "frame.json", frameDoc())
	clusters := writeDoc(t, dir, "clusters.json", []CloudDoc{floorScanDoc(0)})
	output := filepath.Join(dir, "report.json")

	app, out := newTestApp(t, writeTestConfig(t, dir))
	err := app.RunJoints(context.Background(), SegmentOptions{
		Assembly: assembly,
		Clusters: []string{clusters},
		Output:   output,
	})
	if err != nil {
		t.Fatalf("RunJoints: %v", err)
	}
	if !strings.Contains(out.String(), "0 unassigned points, 0 warnings") {
		t.Errorf("unexpected output: %s", out.String())
	}

	var s pipeline.ReportSummary
	readJSONFile(t, output, &s)
	if len(s.Joints) != 1 {
		t.Fatalf("expected 1 joint, got %d", len(s.Joints))
	}
	if j := s.Joints[0]; j.Sanity != pipeline.SanityOK || j.State != pipeline.StateDone || j.Points != 121 {
		t.Errorf("unexpected joint: %+v", j)
	}
}

func TestApp_RunBeamsFromScan(t *testing.T) {
	dir := t.TempDir()
	assembly := writeDoc(t, dir, "frame.json", sideDoc())
	scan := writeDoc(t, dir, "scan.json", floorScanDoc(0))

	app, out := newTestApp(t, writeTestConfig(t, dir))
	err := app.RunBeams(context.Background(), SegmentOptions{Assembly: assembly, Scan: scan})
	if err != nil {
		t.Fatalf("RunBeams: %v", err)
	}
	if !strings.Contains(out.String(), "b0") {
		t.Errorf("expected beam row, got: %s", out.String())
	}
}

func TestApp_RunJointsBadAssembly(t *testing.T) {
	dir := t.TempDir()
	assembly := writeDoc(t, dir, "frame.json", map[string]interface{}{"name": "x", "beams": "nope"})
	clusters := writeDoc(t, dir, "clusters.json", floorScanDoc(0))

	app, _ := newTestApp(t, "")
	err := app.RunJoints(context.Background(), SegmentOptions{Assembly: assembly, Clusters: []string{clusters}})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

// ---------------------------------------------------------------------------
// config
// ---------------------------------------------------------------------------

func TestApp_RunServiceRequiresConfig(t *testing.T) {
	app, _ := newTestApp(t, "")
	err := app.RunService(context.Background())
	if err == nil || !strings.Contains(err.Error(), "--config") {
		t.Fatalf("expected --config error, got %v", err)
	}
}

func TestApp_LoadConfig(t *testing.T) {
	tests := []struct {
		name       string
		configFile func(t *testing.T) string
		required   bool
		wantPoints int
		wantErr    bool
	}{
		{name: "file", configFile: func(t *testing.T) string { return writeTestConfig(t, t.TempDir()) }, wantPoints: 400},
		{name: "defaults", configFile: func(*testing.T) string { return "" }, wantPoints: 1000},
		{name: "required", configFile: func(*testing.T) string { return "" }, required: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := newTestApp(t, tt.configFile(t))
			cfg, err := app.loadConfig(tt.required)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			if cfg.Sampling.PointsPerFace != tt.wantPoints {
				t.Errorf("PointsPerFace = %d, want %d", cfg.Sampling.PointsPerFace, tt.wantPoints)
			}
		})
	}
}

func TestApp_MissingConfigFile(t *testing.T) {
	app, _ := newTestApp(t, filepath.Join(t.TempDir(), "missing.yaml"))
	err := app.RunCompare(context.Background(), CompareOptions{})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestApp_RunServiceShutsDown(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	yaml := "http:\n  addr: 127.0.0.1:0\nstore:\n  path: " + filepath.Join(dir, "runs.db") + "\n"
	if err := os.WriteFile(cfg, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("DIFFCHECK_DB", "")

	app, _ := newTestApp(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunService(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunService: %v", err)
	}
	if app.Store == nil {
		t.Error("expected the run store to be opened")
	}
	if _, err := os.Stat(filepath.Join(dir, "runs.db")); err != nil {
		t.Errorf("expected database file: %v", err)
	}
}
