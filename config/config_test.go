package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PUBLISH_PREFIX", "DIFFCHECK_DB"} {
		t.Setenv(k, "")
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad_NotExists(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoad_FillsDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `thresholds:
  angle: 0.2
mqtt:
  broker: tcp://localhost:1883
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Thresholds.Angle != 0.2 {
		t.Errorf("Angle = %v, want 0.2", cfg.Thresholds.Angle)
	}
	if cfg.Thresholds.JointDisplacement != 0.05 {
		t.Errorf("JointDisplacement = %v, want default 0.05", cfg.Thresholds.JointDisplacement)
	}
	if cfg.Sampling.PointsPerFace != 1000 {
		t.Errorf("PointsPerFace = %d, want 1000", cfg.Sampling.PointsPerFace)
	}
	if cfg.Registration.Global || cfg.Registration.Candidates != 16 || cfg.Registration.RefineIterations != 20 {
		t.Errorf("Registration = %+v, want global off with 16 candidates and 20 refine iterations", cfg.Registration)
	}
	if cfg.Sampling.VoxelSize != 0 {
		t.Errorf("Sampling.VoxelSize = %v, want 0", cfg.Sampling.VoxelSize)
	}
	if cfg.MQTT.PublishPrefix != "diffcheck" {
		t.Errorf("PublishPrefix = %q, want %q", cfg.MQTT.PublishPrefix, "diffcheck")
	}
	if cfg.Store.Path != "" {
		t.Errorf("Store.Path = %q, want empty when the file leaves it out", cfg.Store.Path)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "shop")
	t.Setenv("DIFFCHECK_DB", "/tmp/runs.db")

	cfg, err := Load(writeConfig(t, "mqtt:\n  broker: tcp://file:1883\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("Broker = %q, want env value", cfg.MQTT.Broker)
	}
	if cfg.MQTT.PublishPrefix != "shop" {
		t.Errorf("PublishPrefix = %q, want %q", cfg.MQTT.PublishPrefix, "shop")
	}
	if cfg.Store.Path != "/tmp/runs.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "/tmp/runs.db")
	}
}

func TestLoad_Validation(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yaml string
	}{
		{name: "negative angle", yaml: "thresholds:\n  angle: -0.1\n"},
		{name: "angle above right angle", yaml: "thresholds:\n  angle: 2.0\n"},
		{name: "negative association", yaml: "thresholds:\n  association: -1\n"},
		{name: "radius multiplier below one", yaml: "comparison:\n  radiusMultiplier: 0.5\n"},
		{name: "negative points per face", yaml: "sampling:\n  pointsPerFace: -3\n"},
		{name: "normals k too small", yaml: "normals:\n  k: 2\n"},
		{name: "negative scan voxel", yaml: "sampling:\n  voxelSize: -0.01\n"},
		{name: "negative registration voxel", yaml: "registration:\n  global: true\n  voxelSize: -1\n"},
		{name: "negative registration gate", yaml: "registration:\n  maxCorrespondenceDistance: -1\n"},
		{name: "negative candidates", yaml: "registration:\n  candidates: -4\n"},
		{name: "negative refine iterations", yaml: "registration:\n  refineIterations: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, geometry.ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestLoad_BadYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "thresholds: [unclosed\n")); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Save
// ---------------------------------------------------------------------------

func TestSave_RoundTrip(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Thresholds.Correspondence = 0.01
	cfg.MQTT.Broker = "tcp://localhost:1883"

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Thresholds.Correspondence != 0.01 {
		t.Errorf("Correspondence = %v, want 0.01", loaded.Thresholds.Correspondence)
	}
	if loaded.Store.Path != "diffcheck.db" {
		t.Errorf("Store.Path = %q, want %q", loaded.Store.Path, "diffcheck.db")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}
