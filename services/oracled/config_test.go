package oracled

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
schedule: schedule.toml
auth:
  hmac_secret: s3cret
outbox:
  poll_interval: 500ms
  callbacks:
    "0x00000000000000000000000000000000000000c0": https://example.test/cb
genesis:
  - address: "0x00000000000000000000000000000000000000a1"
    balance: "1000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, 1024, cfg.MaxConnections)
	require.Equal(t, "leveldb", cfg.Storage.Backend)
	require.Equal(t, OutboxDriverSQLite, cfg.Outbox.Driver)
	require.Equal(t, 500*time.Millisecond, cfg.Outbox.PollInterval.Duration)
	require.Equal(t, 5, cfg.Outbox.MaxAttempts)
	require.Equal(t, 2*time.Minute, cfg.Auth.ClockSkew.Duration)
	urls := cfg.Outbox.CallbackURLs()
	require.Equal(t, "https://example.test/cb", urls[common.HexToAddress("0xc0")])
	_, ok := cfg.VaultAddress()
	require.False(t, ok)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing secret":   "schedule: s.toml\n",
		"missing schedule": "auth:\n  hmac_secret: x\n",
		"bad backend":      "schedule: s.toml\nauth:\n  hmac_secret: x\nstorage:\n  backend: redis\n",
		"bad vault":        "schedule: s.toml\nauth:\n  hmac_secret: x\nvault: nope\n",
		"bad driver":       "schedule: s.toml\nauth:\n  hmac_secret: x\noutbox:\n  driver: mysql\n  dsn: x\n",
		"bad callback":     "schedule: s.toml\nauth:\n  hmac_secret: x\noutbox:\n  callbacks:\n    \"0x00000000000000000000000000000000000000c0\": ftp://x\n",
		"bad genesis":      "schedule: s.toml\nauth:\n  hmac_secret: x\ngenesis:\n  - address: \"0x00000000000000000000000000000000000000a1\"\n    balance: \"-1\"\n",
		"bad duration":     "schedule: s.toml\nauth:\n  hmac_secret: x\n  clock_skew: soon\n",
		"unknown field":    "schedule: s.toml\nauth:\n  hmac_secret: x\nlisten_port: 1\n",
		"negative conns":   "schedule: s.toml\nauth:\n  hmac_secret: x\nmax_connections: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestPostgresDriverNeedsDSN(t *testing.T) {
	cfg := Config{SchedulePath: "s.toml", Auth: AuthConfig{HMACSecret: "x"}, Outbox: OutboxConfig{Driver: OutboxDriverPostgres}}
	applyDefaults(&cfg)
	require.Error(t, validate(cfg))
	cfg.Outbox.DSN = "postgres://oracle@db/oracle"
	require.NoError(t, validate(cfg))
}
