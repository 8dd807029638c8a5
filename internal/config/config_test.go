package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
	check.Equal(t, 4000, cfg.Port)
	check.Equal(t, 48*time.Hour, cfg.PaymentWindow)
	check.Equal(t, 168*time.Hour, cfg.ReturnWindow)
	check.Equal(t, "5", cfg.PlatformFeePercent.String())
	check.Equal(t, "", cfg.RedisURL)
	check.NoError(t, cfg.Validate())

	ec := cfg.Engine()
	check.Equal(t, "platform", ec.PlatformUserID)
	check.Equal(t, "70", ec.ForfeitSellerPercent.String())
	check.Equal(t, time.Second, ec.TickRetryBase)
	check.Equal(t, 5*time.Minute, ec.TickRetryMax)
}

func TestDotenvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	assert.NoError(t, os.WriteFile(path, []byte("WORKERS=3\nPAYMENT_WINDOW=24h\n"), 0o600))
	t.Setenv("WORKERS", "12")
	t.Cleanup(func() { os.Unsetenv("PAYMENT_WINDOW") })

	cfg, err := Load(path)
	assert.NoError(t, err)
	check.Equal(t, 12, cfg.Workers)
	check.Equal(t, 24*time.Hour, cfg.PaymentWindow)
}

func TestValidate(t *testing.T) {
	base, err := Load(filepath.Join(t.TempDir(), "none.env"))
	assert.NoError(t, err)
	bad := []func(c *Config){
		func(c *Config) { c.PaymentWindow = 0 },
		func(c *Config) { c.Store = "sqlite" },
		func(c *Config) { c.JWTSecret = "short" },
		func(c *Config) { c.Workers = 0 },
		func(c *Config) { c.LogLevel = "loud" },
		func(c *Config) { c.TickRetryBase = 0 },
		func(c *Config) { c.TickRetryMax = c.TickRetryBase / 2 },
		func(c *Config) { c.PlatformFeePercent = c.PlatformFeePercent.Mul(c.PlatformFeePercent).Mul(c.PlatformFeePercent) },
	}
	for i, mutate := range bad {
		c := *base
		mutate(&c)
		if c.Validate() == nil {
			t.Fatalf("case %d: expected a validation error", i)
		}
	}
}
