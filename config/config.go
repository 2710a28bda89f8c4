// Package config loads the YAML configuration shared by the CLI and the server.
package config

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Thresholds   Thresholds         `yaml:"thresholds" json:"thresholds"`
	Comparison   ComparisonConfig   `yaml:"comparison" json:"comparison"`
	Sampling     SamplingConfig     `yaml:"sampling" json:"sampling"`
	ICP          ICPConfig          `yaml:"icp" json:"icp"`
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	Normals      NormalsConfig      `yaml:"normals" json:"normals"`
	Regions      RegionsConfig      `yaml:"regions" json:"regions"`
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
	Store        StoreConfig        `yaml:"store" json:"store"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

// Thresholds are the tolerances of segmentation, registration and the
// joint sanity check, in radians or model units.
type Thresholds struct {
	Angle             float64 `yaml:"angle" json:"angle"`                         // Normal agreement (radians)
	Association       float64 `yaml:"association" json:"association"`             // Point-to-face proximity
	Distance          float64 `yaml:"distance" json:"distance"`                   // Joint point-to-face proximity
	Correspondence    float64 `yaml:"correspondence" json:"correspondence"`       // ICP pair gate
	JointDisplacement float64 `yaml:"jointDisplacement" json:"jointDisplacement"` // Sanity check tolerance
}

// ComparisonConfig controls cloud and mesh deviation scans.
type ComparisonConfig struct {
	Signed           bool    `yaml:"signed" json:"signed"`
	Swap             bool    `yaml:"swap" json:"swap"`
	RadiusMultiplier float64 `yaml:"radiusMultiplier" json:"radiusMultiplier"`
	Heuristic        bool    `yaml:"heuristic,omitempty" json:"heuristic,omitempty"`
	ExhaustiveBelow  int     `yaml:"exhaustiveBelow" json:"exhaustiveBelow"`
	Workers          int     `yaml:"workers" json:"workers"` // 0 means GOMAXPROCS
}

// SamplingConfig controls the dense reference clouds built from CAD faces
// and the thinning of raw scans.
type SamplingConfig struct {
	PointsPerFace int   `yaml:"pointsPerFace" json:"pointsPerFace"`
	Seed          int64 `yaml:"seed" json:"seed"`
	// VoxelSize downsamples a raw scan before clustering. Zero keeps every point.
	VoxelSize float64 `yaml:"voxelSize,omitempty" json:"voxelSize,omitempty"`
}

// ICPConfig holds the registration stopping criteria.
type ICPConfig struct {
	MaxIterations int     `yaml:"maxIterations" json:"maxIterations"`
	Tolerance     float64 `yaml:"tolerance" json:"tolerance"`
}

// RegistrationConfig controls the coarse alignment of a raw scan onto the
// whole assembly before clustering. Zero distances are derived from the
// assembly's bounding box.
type RegistrationConfig struct {
	Global                    bool    `yaml:"global" json:"global"`
	VoxelSize                 float64 `yaml:"voxelSize,omitempty" json:"voxelSize,omitempty"`
	MaxCorrespondenceDistance float64 `yaml:"maxCorrespondenceDistance,omitempty" json:"maxCorrespondenceDistance,omitempty"`
	Candidates                int     `yaml:"candidates" json:"candidates"`
	RefineIterations          int     `yaml:"refineIterations" json:"refineIterations"`
}

// NormalsConfig controls normal estimation on clouds without normals.
type NormalsConfig struct {
	K int `yaml:"k" json:"k"`
}

// RegionsConfig controls normal-based region growing of raw scans.
type RegionsConfig struct {
	AngleDegrees   float64 `yaml:"angleDegrees" json:"angleDegrees"`
	MinClusterSize int     `yaml:"minClusterSize" json:"minClusterSize"`
	K              int     `yaml:"k" json:"k"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// WebhookURL, when set, receives every report as a JSON POST.
	WebhookURL string `yaml:"webhookUrl,omitempty" json:"webhookUrl,omitempty"`
}

// StoreConfig locates the run history database. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LogConfig sets the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Thresholds: Thresholds{
			Angle:             0.1,
			Association:       0.1,
			Distance:          0.1,
			Correspondence:    0.005,
			JointDisplacement: 0.05,
		},
		Comparison: ComparisonConfig{
			RadiusMultiplier: 2,
			ExhaustiveBelow:  64,
		},
		Sampling:     SamplingConfig{PointsPerFace: 1000, Seed: 1},
		ICP:          ICPConfig{MaxIterations: 50, Tolerance: 1e-6},
		Registration: RegistrationConfig{Candidates: 16, RefineIterations: 20},
		Normals:      NormalsConfig{K: 10},
		Regions:      RegionsConfig{AngleDegrees: 20, MinClusterSize: 10, K: 10},
		MQTT:         MQTTConfig{PublishPrefix: "diffcheck", ClientID: "diffcheck"},
		HTTP:         HTTPConfig{Addr: ":8080"},
		Store:        StoreConfig{Path: "diffcheck.db"},
		Log:          LogConfig{Level: "info"},
	}
}

// Load reads the configuration at path, fills unset fields from Default,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrap(err, "reading config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}
	cfg.applyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshaling config YAML")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing config file")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	setFloat(&c.Thresholds.Angle, d.Thresholds.Angle)
	setFloat(&c.Thresholds.Association, d.Thresholds.Association)
	setFloat(&c.Thresholds.Distance, d.Thresholds.Distance)
	setFloat(&c.Thresholds.Correspondence, d.Thresholds.Correspondence)
	setFloat(&c.Thresholds.JointDisplacement, d.Thresholds.JointDisplacement)
	setFloat(&c.Comparison.RadiusMultiplier, d.Comparison.RadiusMultiplier)
	setInt(&c.Comparison.ExhaustiveBelow, d.Comparison.ExhaustiveBelow)
	setInt(&c.Sampling.PointsPerFace, d.Sampling.PointsPerFace)
	if c.Sampling.Seed == 0 {
		c.Sampling.Seed = d.Sampling.Seed
	}
	setInt(&c.ICP.MaxIterations, d.ICP.MaxIterations)
	setFloat(&c.ICP.Tolerance, d.ICP.Tolerance)
	setInt(&c.Registration.Candidates, d.Registration.Candidates)
	setInt(&c.Registration.RefineIterations, d.Registration.RefineIterations)
	setInt(&c.Normals.K, d.Normals.K)
	setFloat(&c.Regions.AngleDegrees, d.Regions.AngleDegrees)
	setInt(&c.Regions.MinClusterSize, d.Regions.MinClusterSize)
	setInt(&c.Regions.K, d.Regions.K)
	setString(&c.MQTT.PublishPrefix, d.MQTT.PublishPrefix)
	setString(&c.MQTT.ClientID, d.MQTT.ClientID)
	setString(&c.HTTP.Addr, d.HTTP.Addr)
	setString(&c.Log.Level, d.Log.Level)
}

func setFloat(v *float64, d float64) {
	if *v == 0 {
		*v = d
	}
}

func setInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func setString(v *string, d string) {
	if *v == "" {
		*v = d
	}
}

// ApplyEnv overrides MQTT and store settings from MQTT_BROKER,
// MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD, MQTT_PUBLISH_PREFIX and
// DIFFCHECK_DB when they are set.
func (c *Config) ApplyEnv() {
	for env, dst := range map[string]*string{
		"MQTT_BROKER":         &c.MQTT.Broker,
		"MQTT_CLIENT_ID":      &c.MQTT.ClientID,
		"MQTT_USERNAME":       &c.MQTT.Username,
		"MQTT_PASSWORD":       &c.MQTT.Password,
		"MQTT_PUBLISH_PREFIX": &c.MQTT.PublishPrefix,
		"DIFFCHECK_DB":        &c.Store.Path,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// Validate checks that every threshold is usable.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value float64
	}{
		{"thresholds.angle", c.Thresholds.Angle},
		{"thresholds.association", c.Thresholds.Association},
		{"thresholds.distance", c.Thresholds.Distance},
		{"thresholds.correspondence", c.Thresholds.Correspondence},
		{"thresholds.jointDisplacement", c.Thresholds.JointDisplacement},
		{"icp.tolerance", c.ICP.Tolerance},
		{"regions.angleDegrees", c.Regions.AngleDegrees},
	}
	for _, p := range positive {
		if !(p.value > 0) || math.IsInf(p.value, 0) {
			return errors.Wrapf(geometry.ErrInvalidInput, "%s must be positive, got %v", p.name, p.value)
		}
	}
	if c.Thresholds.Angle > math.Pi/2 {
		return errors.Wrapf(geometry.ErrInvalidInput, "thresholds.angle must be at most π/2, got %v", c.Thresholds.Angle)
	}
	if c.Comparison.RadiusMultiplier < 1 {
		return errors.Wrapf(geometry.ErrInvalidInput, "comparison.radiusMultiplier must be at least 1, got %v", c.Comparison.RadiusMultiplier)
	}
	if c.Sampling.PointsPerFace <= 0 {
		return errors.Wrapf(geometry.ErrInvalidInput, "sampling.pointsPerFace must be positive, got %d", c.Sampling.PointsPerFace)
	}
	if c.ICP.MaxIterations <= 0 {
		return errors.Wrapf(geometry.ErrInvalidInput, "icp.maxIterations must be positive, got %d", c.ICP.MaxIterations)
	}
	if c.Normals.K < 3 || c.Regions.K <= 0 {
		return errors.Wrapf(geometry.ErrInvalidInput, "normals.k must be at least 3 and regions.k positive, got %d and %d", c.Normals.K, c.Regions.K)
	}
	nonNegative := []struct {
		name  string
		value float64
	}{
		{"sampling.voxelSize", c.Sampling.VoxelSize},
		{"registration.voxelSize", c.Registration.VoxelSize},
		{"registration.maxCorrespondenceDistance", c.Registration.MaxCorrespondenceDistance},
		{"registration.candidates", float64(c.Registration.Candidates)},
	}
	for _, p := range nonNegative {
		if p.value < 0 || math.IsNaN(p.value) || math.IsInf(p.value, 0) {
			return errors.Wrapf(geometry.ErrInvalidInput, "%s must not be negative, got %v", p.name, p.value)
		}
	}
	if c.Registration.RefineIterations <= 0 {
		return errors.Wrapf(geometry.ErrInvalidInput, "registration.refineIterations must be positive, got %d", c.Registration.RefineIterations)
	}
	if c.Comparison.Workers < 0 {
		return errors.Wrapf(geometry.ErrInvalidInput, "comparison.workers must not be negative, got %d", c.Comparison.Workers)
	}
	return nil
}
