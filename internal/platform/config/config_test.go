package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func noFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(env(nil), noFile)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Cart.MaxLineQuantity)
	assert.Equal(t, 5*time.Second, cfg.Cart.MergeTimeout)
	assert.Equal(t, 120, cfg.Cart.RateLimit)
	assert.Equal(t, time.Minute, cfg.Cart.RateWindow)
	assert.Equal(t, 10000, cfg.Audit.MemoryCapacity)
}

func TestLoadEnvOverrides(t *testing.T) {
	cfg, err := load(env(map[string]string{
		"CARTKEEP_ADDR":              ":9090",
		"CARTKEEP_STORE":             StoreRedis,
		"REDIS_URL":                  "redis://localhost:6379/0",
		"CARTKEEP_MERGE_TIMEOUT":     "2s",
		"CARTKEEP_MAX_LINE_QUANTITY": "5",
		"CARTKEEP_AUDIT_SINK":        AuditKafka,
		"KAFKA_BROKERS":              "a:9092, b:9092,",
	}), noFile)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, StoreRedis, cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Cart.MergeTimeout)
	assert.Equal(t, 5, cfg.Cart.MaxLineQuantity)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Audit.KafkaBrokers)
}

func TestLoadFileThenEnv(t *testing.T) {
	file := []byte(`
server:
  addr: ":7000"
store:
  driver: postgres
postgres:
  url: "${DB_URL}"
cart:
  max_line_quantity: 4
`)
	read := func(path string) ([]byte, error) {
		assert.Equal(t, "/etc/cartkeep.yaml", path)
		return file, nil
	}
	cfg, err := load(env(map[string]string{
		"CARTKEEP_CONFIG":            "/etc/cartkeep.yaml",
		"DB_URL":                     "postgres://db/cart",
		"CARTKEEP_MAX_LINE_QUANTITY": "6",
	}), read)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "postgres://db/cart", cfg.Postgres.URL)
	assert.Equal(t, 6, cfg.Cart.MaxLineQuantity, "env wins over file")
	assert.Equal(t, 3*time.Second, cfg.Store.Timeout, "defaults survive")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		read func(string) ([]byte, error)
	}{
		{"missing file", map[string]string{"CARTKEEP_CONFIG": "x"}, noFile},
		{"bad yaml", map[string]string{"CARTKEEP_CONFIG": "x"}, func(string) ([]byte, error) { return []byte("server: ["), nil }},
		{"bad duration", map[string]string{"CARTKEEP_MERGE_TIMEOUT": "soon"}, noFile},
		{"bad int", map[string]string{"CARTKEEP_MAX_LINE_QUANTITY": "many"}, noFile},
		{"redis without url", map[string]string{"CARTKEEP_STORE": StoreRedis}, noFile},
		{"postgres without url", map[string]string{"CARTKEEP_STORE": StorePostgres}, noFile},
		{"unknown driver", map[string]string{"CARTKEEP_STORE": "etcd"}, noFile},
		{"kafka without brokers", map[string]string{"CARTKEEP_AUDIT_SINK": AuditKafka}, noFile},
		{"zero quantity", map[string]string{"CARTKEEP_MAX_LINE_QUANTITY": "0"}, noFile},
		{"negative rate limit", map[string]string{"CARTKEEP_RATE_LIMIT": "-1"}, noFile},
		{"rate limit without window", map[string]string{"CARTKEEP_RATE_WINDOW": "0s"}, noFile},
		{"zero audit capacity", map[string]string{"CARTKEEP_AUDIT_CAPACITY": "0"}, noFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(env(tt.env), tt.read)
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFileWraps(t *testing.T) {
	_, err := load(env(map[string]string{"CARTKEEP_CONFIG": "x"}), noFile)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
