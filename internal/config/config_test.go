package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Service.HTTPPort)
	assert.Equal(t, 5*time.Minute, cfg.Service.WalletAuthSkew)
	assert.Equal(t, int32(18), cfg.Chain.Decimals)
	assert.Equal(t, 2*time.Second, cfg.Chain.ReceiptPollInterval)
	assert.Zero(t, cfg.Chain.ReceiptTimeout)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, "file", cfg.Database.JournalDriver)
	assert.Empty(t, cfg.Deployment.Contracts.Remittance)
}

func TestLoadDeploymentsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployments.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "chainId": 11155111,
  "deployer": "0x9999999999999999999999999999999999999999",
  "contracts": {"Remittance": "0x5555555555555555555555555555555555555555"}
}`), 0o600))

	t.Setenv("DEPLOYMENTS_PATH", path)
	t.Setenv("API_HTTP_PORT", "8080")
	t.Setenv("CACHE_DRIVER", "REDIS")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RECEIPT_TIMEOUT_SECONDS", "600")

	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, int64(11155111), cfg.Deployment.ChainID)
	assert.Equal(t, "0x5555555555555555555555555555555555555555", cfg.Deployment.Contracts.Remittance)
	assert.Equal(t, 8080, cfg.Service.HTTPPort)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Chain.ReceiptTimeout)

	t.Setenv("CONTRACT_ADDRESS", "0x6666666666666666666666666666666666666666")
	cfg, err = load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "0x6666666666666666666666666666666666666666", cfg.Deployment.Contracts.Remittance)
}

func TestLoadRejectsIncompleteDrivers(t *testing.T) {
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(t.TempDir(), "missing.json"))

	t.Setenv("JOURNAL_DRIVER", "postgres")
	_, err := load(viper.New())
	assert.ErrorContains(t, err, "POSTGRES_DSN")

	t.Setenv("JOURNAL_DRIVER", "memory")
	t.Setenv("CACHE_DRIVER", "memcached")
	_, err = load(viper.New())
	assert.ErrorContains(t, err, "CACHE_DRIVER")
}

func TestLoadRejectsMalformedDeployments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployments.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	t.Setenv("DEPLOYMENTS_PATH", path)

	_, err := load(viper.New())
	assert.Error(t, err)
}
