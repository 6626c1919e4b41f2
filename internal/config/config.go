// Package config loads the web service configuration from an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MetadataType is memory, sqlite, postgres or dynamodb.
	MetadataType    string `yaml:"metadata_type"`
	MetadataOptions string `yaml:"metadata_options"`
	// ContentType is fs, s3 or nw.
	ContentType    string `yaml:"content_type"`
	ContentOptions string `yaml:"content_options"`

	EngineURL     string        `yaml:"engine_url"`
	EngineTimeout time.Duration `yaml:"engine_timeout"`
	MaxUploadMB   int64         `yaml:"max_upload_mb"`

	AWSRegion         string `yaml:"aws_region"`
	S3Bucket          string `yaml:"s3_bucket"`
	DynamoTablePrefix string `yaml:"dynamodb_table_prefix"`

	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Host:            "localhost",
		Port:            8080,
		MetadataType:    "sqlite",
		MetadataOptions: "deepsentinel.db",
		ContentType:     "fs",
		ContentOptions:  "storage",
		EngineURL:       "http://localhost:8000",
		EngineTimeout:   60 * time.Second,
		MaxUploadMB:     100,
		AWSRegion:       "us-west-2",
		LogLevel:        "info",
	}
}

// Load returns Default overlaid with the YAML file at path. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("HOST", &c.Host)
	str("METADATA_TYPE", &c.MetadataType)
	str("METADATA_OPTIONS", &c.MetadataOptions)
	str("CONTENT_TYPE", &c.ContentType)
	str("CONTENT_OPTIONS", &c.ContentOptions)
	str("ENGINE_URL", &c.EngineURL)
	str("AWS_REGION", &c.AWSRegion)
	str("S3_BUCKET_NAME", &c.S3Bucket)
	str("DYNAMODB_TABLE_PREFIX", &c.DynamoTablePrefix)
	str("LOG_LEVEL", &c.LogLevel)

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := getenv("ENGINE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_TIMEOUT %q: %w", v, err)
		}
		c.EngineTimeout = d
	}
	if v := getenv("MAX_UPLOAD_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_MB %q: %w", v, err)
		}
		c.MaxUploadMB = n
	}

	// The s3 backend takes its bucket from S3_BUCKET_NAME when no explicit
	// content options were given.
	if c.ContentType == "s3" && (c.ContentOptions == "" || c.ContentOptions == Default().ContentOptions) && c.S3Bucket != "" {
		c.ContentOptions = c.S3Bucket
	}
	if c.MetadataType == "dynamodb" && c.MetadataOptions == Default().MetadataOptions {
		c.MetadataOptions = c.DynamoTablePrefix
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	switch c.MetadataType {
	case "memory", "sqlite", "postgres", "dynamodb":
	default:
		errs = append(errs, fmt.Errorf("unsupported metadata type %q", c.MetadataType))
	}
	switch c.ContentType {
	case "fs", "s3", "nw":
		if c.ContentOptions == "" {
			errs = append(errs, fmt.Errorf("content type %s requires options", c.ContentType))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported content type %q", c.ContentType))
	}
	if c.EngineURL == "" {
		errs = append(errs, errors.New("engine url is required"))
	}
	if c.EngineTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine timeout must be positive, got %s", c.EngineTimeout))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("max upload size must be positive, got %dMB", c.MaxUploadMB))
	}
	return errors.Join(errs...)
}

// MaxUploadBytes converts MaxUploadMB to bytes.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// Addr is the web listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
