package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	base := Config{port: 8080, gracePeriod: 5 * time.Second}

	t.Run("defaults pass", func(t *testing.T) {
		cfg := base
		require.NoError(t, cfg.validate())
	})

	t.Run("tls cert without key", func(t *testing.T) {
		cfg := base
		cfg.tlsCert = "/tmp/cert.pem"
		require.Error(t, cfg.validate())
	})

	t.Run("port out of range", func(t *testing.T) {
		cfg := base
		cfg.port = 65536
		require.Error(t, cfg.validate())
	})

	t.Run("non-positive grace period", func(t *testing.T) {
		cfg := base
		cfg.gracePeriod = 0
		require.Error(t, cfg.validate())
	})
}

func TestConfigScheme(t *testing.T) {
	req := require.New(t)

	cfg := Config{}
	req.Equal("http", cfg.scheme())

	cfg.tlsCert, cfg.tlsKey = "cert.pem", "key.pem"
	req.Equal("https", cfg.scheme())
}
