package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_DRIVER", "memory")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddress)
	assert.Equal(t, 8, cfg.Game.DefaultBoardSize)
	assert.Equal(t, "knighttour:", cfg.Redis.Prefix)
	assert.Equal(t, 30*time.Second, cfg.Game.ResyncInterval)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  http_address: ":9000"
database:
  driver: mysql
  mysql:
    host: db
    port: 3307
auth:
  jwt_secret: from-file
  token_ttl: 1h
game:
  default_board_size: 6
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.HTTPAddress)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "db", cfg.Database.MySQL.Host)
	assert.Equal(t, 3307, cfg.Database.MySQL.Port)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, 6, cfg.Game.DefaultBoardSize)
	assert.Equal(t, "1h0m0s", cfg.Auth.TokenTTL.String())
}

func TestValidate(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Driver: "sqlite"}, Auth: AuthConfig{JWTSecret: "x"}}
	assert.ErrorIs(t, cfg.Validate(), ErrUnknownDriver)

	cfg.Database.Driver = "memory"
	cfg.Auth.JWTSecret = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingSecret)

	cfg.Auth.JWTSecret = "x"
	cfg.Database.ListenNotify = true
	assert.ErrorIs(t, cfg.Validate(), ErrListenRequires)

	cfg.Database.Driver = "postgres"
	assert.NoError(t, cfg.Validate())
}
