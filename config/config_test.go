package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, createDefaultConfig(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.Pipeline.ScaleFactor)
	assert.Equal(t, 60*time.Second, c.Pipeline.IntervalDuration())
	assert.Equal(t, 10*time.Minute, c.Pipeline.CooldownDuration())
	assert.Equal(t, 2*time.Minute, c.Pipeline.PendingExpiryDuration())
	assert.Equal(t, uint64(50_000_000), c.Reserve.Default.MinThreshold)
	assert.Equal(t, uint64(5_000_000_000), c.Reserve.Operating.TopUp)
	assert.Equal(t, uint64(1_000_000), c.Reserve.Distribution.TopUp)
	assert.NotEmpty(t, c.Chain.RPC)
	assert.Same(t, c, Get())
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chain:
  rpc: ["http://a:8899", "http://b:8899"]
pipeline:
  interval: 30
  scale_factor: 1000
  pending_expiry: 300
`), 0600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:8899", "http://b:8899"}, c.Chain.RPC)
	assert.Equal(t, int64(1000), c.Pipeline.ScaleFactor)
	assert.Equal(t, 5*time.Minute, c.Pipeline.PendingExpiryDuration())
	// 未覆盖的键保持默认值
	assert.Equal(t, uint64(50_000_000), c.Pipeline.GrantFee)
	assert.Equal(t, 6090, c.Server.Port)
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  scale_factor: 0\n"), 0600))
	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "scale_factor")

	c := &Config{}
	c.Pipeline.ScaleFactor = 100
	c.Pipeline.Interval = 60
	assert.ErrorContains(t, c.Validate(), "chain.rpc")
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 3306, User: "u", Password: "p", DBName: "ledger"}
	assert.Equal(t, "u:p@tcp(db:3306)/ledger?charset=utf8mb4&parseTime=True&loc=Local", d.DSN())
}
