package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Create new config instance with defaults applied
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Seconds(30),
			WriteTimeout:    Seconds(60),
			ShutdownTimeout: Seconds(15),
		},
		Upload: UploadConfig{
			MaxRequestBodyMB:     30,
			MaxMultipartMemoryMB: 32,
		},
		Redis: RedisConfig{
			HealthCheckInterval: Seconds(30),
			DialTimeout:         Seconds(5),
			ReadTimeout:         Seconds(5),
			WriteTimeout:        Seconds(5),
			PoolSize:            20,
		},
		Worker: WorkerConfig{
			Stream:        "koktohay:image-process",
			Group:         "image-processors",
			Workers:       2,
			MaxLen:        10000,
			BackoffBase:   Seconds(2),
			BlockTimeout:  Seconds(5),
			ClaimInterval: Seconds(60),
			ClaimMinIdle:  Seconds(90),
			LeaseTTL:      Seconds(90),
		},
		Pipeline: PipelineConfig{
			Concurrency: 3,
		},
		Geo: GeoConfig{
			Timeout:      Seconds(5),
			CacheTTL:     Duration{30 * 24 * time.Hour},
			MinInterval:  Seconds(1),
			CacheEnabled: true,
		},
	}
}

// Read loads the configuration file on top of the defaults. Files ending in
// .yaml or .yml are read as YAML, anything else as JSON.
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}

	if c.Worker.Consumer == "" {
		host, _ := os.Hostname()
		c.Worker.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		d.Duration = time.Duration(t * float64(time.Second))
		return nil
	case string:
		return d.parse(t)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if n, err := strconv.ParseFloat(node.Value, 64); err == nil {
		d.Duration = time.Duration(n * float64(time.Second))
		return nil
	}
	return d.parse(node.Value)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) parse(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}
