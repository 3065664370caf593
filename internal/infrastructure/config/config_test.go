package config

import (
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestCRMConfig_Timeout(t *testing.T) {
	tests := []struct {
		name string
		cfg  CRMConfig
		want time.Duration
	}{
		{
			name: "default deadline",
			cfg:  CRMConfig{TimeoutSeconds: 600},
			want: 10 * time.Minute,
		},
		{
			name: "short deadline",
			cfg:  CRMConfig{TimeoutSeconds: 30},
			want: 30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Timeout(); got != tt.want {
				t.Errorf("CRMConfig.Timeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCRMConfig_HTTPClient(t *testing.T) {
	strict := CRMConfig{TimeoutSeconds: 60}
	client := strict.HTTPClient()
	if client.Timeout != time.Minute {
		t.Errorf("HTTPClient() Timeout = %v, want 1m", client.Timeout)
	}
	if client.Transport != nil {
		t.Errorf("HTTPClient() Transport = %v, want default", client.Transport)
	}

	lax := CRMConfig{TimeoutSeconds: 60, InsecureSkipVerify: true}
	client = lax.HTTPClient()
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("HTTPClient() Transport = %T, want *http.Transport", client.Transport)
	}
	if transport.TLSClientConfig == nil || !transport.TLSClientConfig.InsecureSkipVerify {
		t.Errorf("HTTPClient() TLSClientConfig does not skip verification")
	}
}

func TestInitConfig(t *testing.T) {
	// Save original working directory
	originalWd, _ := os.Getwd()
	defer os.Chdir(originalWd)

	tests := []struct {
		name    string
		env     string
		wantErr bool
	}{
		{
			name:    "default dev environment",
			env:     "",
			wantErr: false,
		},
		{
			name:    "explicit dev environment",
			env:     "dev",
			wantErr: false,
		},
		{
			name:    "test environment",
			env:     "test",
			wantErr: false,
		},
		{
			name:    "prod environment",
			env:     "prod",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset viper for each test
			viper.Reset()

			err := InitConfig(tt.env)
			if (err != nil) != tt.wantErr {
				t.Errorf("InitConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			// Verify default values are set
			if !tt.wantErr {
				if viper.GetInt("CRM_TIMEOUT_SECONDS") != 600 {
					t.Errorf("InitConfig() CRM_TIMEOUT_SECONDS = %v, want 600", viper.GetInt("CRM_TIMEOUT_SECONDS"))
				}
				if viper.GetInt("CRM_MAX_RECORDS") != 5000 {
					t.Errorf("InitConfig() CRM_MAX_RECORDS = %v, want 5000", viper.GetInt("CRM_MAX_RECORDS"))
				}
				if viper.GetBool("CRM_INSECURE_SKIP_VERIFY") {
					t.Errorf("InitConfig() CRM_INSECURE_SKIP_VERIFY = true, want false")
				}
				if viper.GetString("LOG_LEVEL") != "info" {
					t.Errorf("InitConfig() LOG_LEVEL = %v, want info", viper.GetString("LOG_LEVEL"))
				}
			}
		})
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setupEnv    func()
		cleanupEnv  func()
		wantErr     bool
		wantErrMsg  string
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "successful load",
			setupEnv: func() {
				viper.Reset()
				viper.Set("CRM_DISCOVERY_URL", "https://crm.example.com/XRMServices/2011/Discovery.svc")
				viper.Set("CRM_ORGANIZATION", "CrmOrg")
				viper.Set("CRM_USERNAME", "svc@example.com")
				viper.Set("CRM_PASSWORD", "testpass")
				viper.SetDefault("CRM_TIMEOUT_SECONDS", 600)
				viper.SetDefault("CRM_MAX_RECORDS", 5000)
				viper.SetDefault("LOG_LEVEL", "info")
			},
			cleanupEnv: func() {
				viper.Reset()
			},
			wantErr: false,
			validateCfg: func(t *testing.T, cfg *Config) {
				if cfg.CRM.DiscoveryURL != "https://crm.example.com/XRMServices/2011/Discovery.svc" {
					t.Errorf("Load() CRM.DiscoveryURL = %v", cfg.CRM.DiscoveryURL)
				}
				if cfg.CRM.Organization != "CrmOrg" {
					t.Errorf("Load() CRM.Organization = %v, want CrmOrg", cfg.CRM.Organization)
				}
				if cfg.CRM.Username != "svc@example.com" {
					t.Errorf("Load() CRM.Username = %v, want svc@example.com", cfg.CRM.Username)
				}
				if cfg.CRM.Password != "testpass" {
					t.Errorf("Load() CRM.Password = %v, want testpass", cfg.CRM.Password)
				}
				if cfg.CRM.TimeoutSeconds != 600 {
					t.Errorf("Load() CRM.TimeoutSeconds = %v, want 600", cfg.CRM.TimeoutSeconds)
				}
				if cfg.CRM.MaxRecords != 5000 {
					t.Errorf("Load() CRM.MaxRecords = %v, want 5000", cfg.CRM.MaxRecords)
				}
				if cfg.Log.Level != "info" {
					t.Errorf("Load() Log.Level = %v, want info", cfg.Log.Level)
				}
			},
		},
		{
			name: "missing discovery URL",
			setupEnv: func() {
				viper.Reset()
				viper.Set("CRM_ORGANIZATION", "CrmOrg")
			},
			cleanupEnv: func() {
				viper.Reset()
			},
			wantErr:    true,
			wantErrMsg: "CRM_DISCOVERY_URL is required (set via environment variable or .env file)",
		},
		{
			name: "missing organization",
			setupEnv: func() {
				viper.Reset()
				viper.Set("CRM_DISCOVERY_URL", "https://crm.example.com/XRMServices/2011/Discovery.svc")
			},
			cleanupEnv: func() {
				viper.Reset()
			},
			wantErr:    true,
			wantErrMsg: "CRM_ORGANIZATION is required (set via environment variable or .env file)",
		},
		{
			name: "custom limits",
			setupEnv: func() {
				viper.Reset()
				viper.Set("CRM_DISCOVERY_URL", "https://crm.example.com/XRMServices/2011/Discovery.svc")
				viper.Set("CRM_ORGANIZATION", "CrmOrg")
				viper.Set("CRM_TIMEOUT_SECONDS", 30)
				viper.Set("CRM_MAX_RECORDS", 250)
				viper.Set("CRM_INSECURE_SKIP_VERIFY", true)
			},
			cleanupEnv: func() {
				viper.Reset()
			},
			wantErr: false,
			validateCfg: func(t *testing.T, cfg *Config) {
				if cfg.CRM.TimeoutSeconds != 30 {
					t.Errorf("Load() CRM.TimeoutSeconds = %v, want 30", cfg.CRM.TimeoutSeconds)
				}
				if cfg.CRM.MaxRecords != 250 {
					t.Errorf("Load() CRM.MaxRecords = %v, want 250", cfg.CRM.MaxRecords)
				}
				if !cfg.CRM.InsecureSkipVerify {
					t.Errorf("Load() CRM.InsecureSkipVerify = false, want true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupEnv()
			defer tt.cleanupEnv()

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				if err.Error() != tt.wantErrMsg {
					t.Errorf("Load() error = %v, want %v", err.Error(), tt.wantErrMsg)
				}
				return
			}

			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestFindProjectRoot(t *testing.T) {
	// Save original working directory
	originalWd, _ := os.Getwd()
	defer os.Chdir(originalWd)

	// This test assumes we're running from within the project
	root, err := findProjectRoot()
	if err != nil {
		t.Errorf("findProjectRoot() error = %v, want nil", err)
		return
	}

	// Verify go.mod exists in the returned root
	goModPath := root + "/go.mod"
	if _, err := os.Stat(goModPath); os.IsNotExist(err) {
		t.Errorf("findProjectRoot() returned %v, but go.mod does not exist at %v", root, goModPath)
	}
}
