package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Game     GameConfig     `mapstructure:"game"`
}

type ServerConfig struct {
	HTTPAddress      string        `mapstructure:"http_address"`
	RPCAddress       string        `mapstructure:"rpc_address"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	MetricsNamespace string        `mapstructure:"metrics_namespace"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
}

type DatabaseConfig struct {
	// Driver 取值 postgres | mysql | memory
	Driver       string         `mapstructure:"driver"`
	ListenNotify bool           `mapstructure:"listen_notify"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	MySQL        MySQLConfig    `mapstructure:"mysql"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type GameConfig struct {
	DefaultBoardSize int           `mapstructure:"default_board_size"`
	EventBuffer      int           `mapstructure:"event_buffer"`
	ResyncInterval   time.Duration `mapstructure:"resync_interval"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.rpc_address", ":8081")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.metrics_namespace", "knighttour")
	v.SetDefault("server.heartbeat", 30*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.listen_notify", false)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "knighttour")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.user", "root")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.dbname", "knighttour")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "knighttour:")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("game.default_board_size", 8)
	v.SetDefault("game.event_buffer", 64)
	v.SetDefault("game.resync_interval", 30*time.Second)
	v.SetDefault("game.idle_timeout", 5*time.Minute)
}

// LoadConfig 读取 path 下的 config.yaml；环境变量（含 .env）覆盖文件，
// 例如 DATABASE_DRIVER=memory 覆盖 database.driver。
func LoadConfig(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

var (
	ErrUnknownDriver  = errors.New("database.driver must be postgres, mysql or memory")
	ErrMissingSecret  = errors.New("auth.jwt_secret is required")
	ErrListenRequires = errors.New("database.listen_notify requires the postgres driver")
)

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "memory":
	default:
		return ErrUnknownDriver
	}
	if c.Auth.JWTSecret == "" {
		return ErrMissingSecret
	}
	if c.Database.ListenNotify && c.Database.Driver != "postgres" {
		return ErrListenRequires
	}
	return nil
}
