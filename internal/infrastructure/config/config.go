package config

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	CRM CRMConfig
	Log LogConfig
}

// CRMConfig represents the connection settings for the CRM organization
type CRMConfig struct {
	DiscoveryURL       string
	Organization       string
	Username           string
	Password           string
	TimeoutSeconds     int  // Per-operation deadline in seconds
	MaxRecords         int  // Ceiling on records per query page
	InsecureSkipVerify bool // Skip TLS certificate verification (test servers only)
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string // debug, info, warn, error
}

// findProjectRoot finds the project root directory by looking for go.mod
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Walk up the directory tree until we find go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root directory
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// InitConfig initializes viper configuration
// env: environment name (dev, test, prod)
func InitConfig(env string) error {
	if env == "" {
		env = "dev"
	}

	// Find project root
	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("failed to find project root: %w", err)
	}

	// Set config file name based on environment
	viper.SetConfigName(fmt.Sprintf(".env.%s", env))
	viper.SetConfigType("env")
	viper.AddConfigPath(projectRoot) // Project root

	// Read config file (optional, ignore error if not found)
	_ = viper.ReadInConfig()

	// Environment variables take precedence over config file
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("CRM_TIMEOUT_SECONDS", 600)
	viper.SetDefault("CRM_MAX_RECORDS", 5000)
	viper.SetDefault("CRM_INSECURE_SKIP_VERIFY", false)
	viper.SetDefault("LOG_LEVEL", "info")

	return nil
}

// Load loads configuration from viper
func Load() (*Config, error) {
	// The connection settings have no sensible defaults
	discoveryURL := viper.GetString("CRM_DISCOVERY_URL")
	if discoveryURL == "" {
		return nil, fmt.Errorf("CRM_DISCOVERY_URL is required (set via environment variable or .env file)")
	}
	organization := viper.GetString("CRM_ORGANIZATION")
	if organization == "" {
		return nil, fmt.Errorf("CRM_ORGANIZATION is required (set via environment variable or .env file)")
	}

	config := &Config{
		CRM: CRMConfig{
			DiscoveryURL:       discoveryURL,
			Organization:       organization,
			Username:           viper.GetString("CRM_USERNAME"),
			Password:           viper.GetString("CRM_PASSWORD"),
			TimeoutSeconds:     viper.GetInt("CRM_TIMEOUT_SECONDS"),
			MaxRecords:         viper.GetInt("CRM_MAX_RECORDS"),
			InsecureSkipVerify: viper.GetBool("CRM_INSECURE_SKIP_VERIFY"),
		},
		Log: LogConfig{
			Level: viper.GetString("LOG_LEVEL"),
		},
	}

	return config, nil
}

// Timeout returns the per-operation deadline
func (c *CRMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HTTPClient returns an HTTP client honoring InsecureSkipVerify
func (c *CRMConfig) HTTPClient() *http.Client {
	client := &http.Client{Timeout: c.Timeout()}
	if c.InsecureSkipVerify {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}
