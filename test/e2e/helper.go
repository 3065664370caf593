package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zaptest"

	"github.com/crmlabs/dynabridge"
	"github.com/crmlabs/dynabridge/internal/infrastructure/config"
)

// SetupE2ETest connects to a live CRM organization using the test
// environment configuration. The suite is skipped when no organization is
// configured, so it only runs against a deliberately provisioned target.
func SetupE2ETest(t *testing.T) *dynabridge.Connector {
	t.Helper()

	if err := config.InitConfig("test"); err != nil {
		t.Fatalf("failed to initialize config: %v", err)
	}
	if viper.GetString("CRM_DISCOVERY_URL") == "" {
		t.Skip("CRM_DISCOVERY_URL not set, skipping live scenarios")
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.CRM.Username == "" || cfg.CRM.Password == "" {
		t.Skip("CRM_USERNAME / CRM_PASSWORD not set, skipping live scenarios")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	t.Cleanup(cancel)

	conn, err := dynabridge.NewWithCredentials(ctx,
		cfg.CRM.DiscoveryURL, cfg.CRM.Organization, cfg.CRM.Username, cfg.CRM.Password,
		dynabridge.WithLogger(zaptest.NewLogger(t)),
		dynabridge.WithHTTPClient(cfg.CRM.HTTPClient()),
		dynabridge.WithTimeout(cfg.CRM.Timeout()),
		dynabridge.WithMaxRecords(cfg.CRM.MaxRecords),
	)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return conn
}
