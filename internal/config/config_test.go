package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFull() Config {
	cfg := Defaults()
	cfg.Custodian.BaseURL = "https://custody.example"
	cfg.Custodian.APIKey = "key"
	cfg.Custodian.APISecret = "secret"
	cfg.Custodian.PrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	cfg.Server.JWTSecret = strings.Repeat("s", 32)
	cfg.Server.OperatorKey = "op"
	return cfg
}

func TestDefaults_NeedOnlySecrets(t *testing.T) {
	cfg := validFull()
	require.NoError(t, cfg.Validate())

	bare := Defaults()
	err := bare.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custodian: base_url")
	assert.Contains(t, err.Error(), "server: jwt_secret")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := validFull()
	cfg.Mode = "turbo"
	cfg.LogLevel = "loud"
	cfg.Engine.Workers = 0
	cfg.Engine.Pairs = []string{"USDTNGN"}
	cfg.Settlement.BackoffMax = duration{time.Millisecond}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "turbo"`,
		`unknown log_level "loud"`,
		"engine: workers",
		`engine: pair "USDTNGN"`,
		"settlement: backoff_base",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_ModeSpecific(t *testing.T) {
	t.Run("standalone skips infra", func(t *testing.T) {
		cfg := validFull()
		cfg.Mode = "standalone"
		cfg.Redis.Addr = ""
		cfg.Postgres.Host = ""
		cfg.Server.OperatorKey = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("archive needs bucket but not custodian", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "archive"
		cfg.S3.Bucket = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "s3: bucket")
		assert.NotContains(t, err.Error(), "custodian")
	})

	t.Run("encrypted key needs password", func(t *testing.T) {
		cfg := validFull()
		cfg.Custodian.PrivateKey = ""
		cfg.Custodian.EncryptedKeyPath = "/keys/custody.json"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key_password")
	})

	t.Run("archive cron is parsed", func(t *testing.T) {
		cfg := validFull()
		cfg.Archive.Enabled = true
		cfg.Archive.Cron = "every night"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "archive: invalid cron")
	})
}

func TestValidate_LockTTL(t *testing.T) {
	tests := []struct {
		name    string
		ttl     time.Duration
		wantErr bool
	}{
		{name: "disabled", ttl: 0},
		{name: "floor", ttl: minLockTTL},
		{name: "default", ttl: 10 * time.Second},
		{name: "below floor", ttl: 200 * time.Millisecond, wantErr: true},
		{name: "negative", ttl: -time.Second, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validFull()
			cfg.Engine.LockTTL = duration{tt.ttl}
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "engine: lock_ttl")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "standalone"

[engine]
pairs = ["BTC-NGN", "USDT-KES"]
sweep_interval = "250ms"

[settlement]
payment_window = "45m"

[server]
port = 9000
`), 0o600))

	t.Setenv("P2PMATCH_SERVER_PORT", "9100")
	t.Setenv("P2PMATCH_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("P2PMATCH_CUSTODIAN_CHAIN_ID", "137")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "standalone", cfg.Mode)
	assert.Equal(t, []string{"BTC-NGN", "USDT-KES"}, cfg.Engine.Pairs)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.SweepInterval.Duration)
	assert.Equal(t, 45*time.Minute, cfg.Settlement.PaymentWindow.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Settlement.FundingTimeout.Duration, "defaults survive")
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, int64(137), cfg.Custodian.ChainID)
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nsweep_interval = \"soon\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validFull()
	cfg.Postgres.Password = "pg-pass"
	cfg.Notify.Events = []string{"pair_halted"}

	red := RedactedConfig(&cfg)
	assert.Equal(t, redacted, red.Custodian.PrivateKey)
	assert.Equal(t, redacted, red.Custodian.APISecret)
	assert.Equal(t, redacted, red.Server.JWTSecret)
	assert.Equal(t, redacted, red.Postgres.Password)
	assert.Empty(t, red.Redis.Password, "empty secrets stay empty")

	red.Notify.Events[0] = "changed"
	assert.Equal(t, "pair_halted", cfg.Notify.Events[0])
	assert.NotEqual(t, redacted, cfg.Custodian.PrivateKey)
}
