package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"annopipe/internal/pipeline"
)

const (
	defaultPort            = 8080
	defaultDataDir         = "data"
	defaultDBFile          = "data/annopipe.db"
	defaultMaxRunningTasks = 3
)

// Config describes runtime configuration for the service.
type Config struct {
	Port              int                  `yaml:"port"`
	DataDir           string               `yaml:"data_dir"`
	DBFile            string               `yaml:"db_file"`
	MaxRunningTasks   int                  `yaml:"max_running_tasks"`
	AllowedExtensions []string             `yaml:"allowed_extensions"`
	Endpoints         map[string]string    `yaml:"endpoints"`
	Pipeline          []pipeline.StageSpec `yaml:"pipeline"`
}

// Default returns the stock configuration: the five-stage pipeline and
// common audio container formats.
func Default() Config {
	return Config{
		Port:              defaultPort,
		DataDir:           defaultDataDir,
		DBFile:            defaultDBFile,
		MaxRunningTasks:   defaultMaxRunningTasks,
		AllowedExtensions: []string{".wav", ".flac", ".ogg", ".mp3"},
		Endpoints:         map[string]string{},
		Pipeline:          pipeline.DefaultPipeline(),
	}
}

// Load reads YAML config from the provided path. A missing or empty
// file yields the defaults with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.DBFile == "" {
		cfg.DBFile = defaultDBFile
	}
	if cfg.MaxRunningTasks < 1 {
		return cfg, fmt.Errorf("invalid max_running_tasks: %d (must be >= 1)", cfg.MaxRunningTasks)
	}
	if len(cfg.Pipeline) == 0 {
		cfg.Pipeline = pipeline.DefaultPipeline()
	}
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return cfg, err
	}
	cfg.AllowedExtensions = normalizeExtensions(cfg.AllowedExtensions)
	return cfg, nil
}

// validatePipeline rejects templates the driver cannot run: the first
// stage must be the upload stage and names must be unique.
func validatePipeline(stages []pipeline.StageSpec) error {
	if stages[0].Kind != pipeline.KindUpload {
		return fmt.Errorf("first pipeline stage must be an upload stage, got %q", stages[0].Name)
	}
	seen := make(map[string]struct{}, len(stages))
	for _, stage := range stages {
		if stage.Name == "" {
			return errors.New("pipeline stage without a name")
		}
		if _, dup := seen[stage.Name]; dup {
			return fmt.Errorf("duplicate pipeline stage: %s", stage.Name)
		}
		seen[stage.Name] = struct{}{}
	}
	return nil
}

func normalizeExtensions(in []string) []string {
	if len(in) == 0 {
		return []string{".wav", ".flac", ".ogg", ".mp3"}
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
