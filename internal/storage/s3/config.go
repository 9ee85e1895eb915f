package s3

import (
	"strings"
	"time"
)

// Config represents S3 catalog configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Prefix roots the catalog namespace inside the bucket.
	Prefix string `yaml:"prefix"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// QueryPageSize bounds the rows returned per Query page.
	QueryPageSize int `yaml:"query_page_size"`

	// UseCargoship uploads staged files through the cargoship transporter.
	UseCargoship bool `yaml:"use_cargoship"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		QueryPageSize:  500,
	}
}

func (c *Config) normalizedPrefix() string {
	p := strings.Trim(c.Prefix, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
