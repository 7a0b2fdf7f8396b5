package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9000
nats:
  url: nats://localhost:4222
  network: testnet
sequencer:
  innerRollupTxs: 4
  publishInterval: 90s
  baseTxGas:
    deposit: 50000
`

func TestParseAndDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	cfg.ApplyDefaults()

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 4, cfg.Sequencer.InnerRollupTxs)
	assert.Equal(t, 4, cfg.Sequencer.OuterRollupProofs)
	assert.Equal(t, 90*time.Second, cfg.Sequencer.PublishInterval)
	assert.Equal(t, 60*time.Second, cfg.Sequencer.RetryInterval)
	assert.Equal(t, time.Duration(0), cfg.Sequencer.MinPublishSpacing)
	assert.Equal(t, uint64(50000), cfg.Sequencer.BaseTxGas["deposit"])
	assert.Equal(t, "rollup.testnet.blocks", cfg.NATS.BlocksSubject())
	assert.Equal(t, "rollup.testnet.settled", cfg.NATS.SettledSubject())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("PRIVATE_KEY", "0xabcdef")
	t.Setenv("PUBLISH_INTERVAL", "2m")

	require.NoError(t, LoadConfig(path))
	require.NotNil(t, AppConfig)
	assert.Equal(t, 9100, AppConfig.Server.Port)
	assert.Equal(t, "abcdef", AppConfig.Blockchain.PrivateKey)
	assert.Equal(t, 2*time.Minute, AppConfig.Sequencer.PublishInterval)
}

func TestLoadConfigMissingFile(t *testing.T) {
	err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
