package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	MLflow   MLflowConfig
	AWS      AWSConfig
	Sync     SyncConfig
	Webhook  WebhookConfig
	Database DatabaseConfig
	Logger   LoggerConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type MLflowConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type AWSConfig struct {
	Region string
	Bucket string
}

type SyncConfig struct {
	MaxParallel      int
	RepackageTimeout time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration

	// Images maps a model flavor to the serving container image used when
	// the model itself does not pin one via tags.
	Images map[string]string
}

type WebhookConfig struct {
	Secret string
}

type DatabaseConfig struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type LoggerConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("MLFLOW_URL", "http://localhost:5000")
	v.SetDefault("MLFLOW_TIMEOUT", "30s")
	v.SetDefault("AWS_REGION", "eu-west-1")
	v.SetDefault("SYNC_MAX_PARALLEL", 4)
	v.SetDefault("SYNC_REPACKAGE_TIMEOUT", "10m")
	v.SetDefault("SYNC_RETRY_ATTEMPTS", 3)
	v.SetDefault("SYNC_RETRY_DELAY", "2s")
	v.SetDefault("SYNC_IMAGE_URIS", "")
	v.SetDefault("DB_ENABLED", false)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "registry_sync")
	v.SetDefault("DB_NAME", "registry_sync")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 2)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	v.SetDefault("LOGGER_LEVEL", "info")
	v.SetDefault("LOGGER_FORMAT", "json")

	// Env
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetInt("SERVER_PORT"),
		},
		MLflow: MLflowConfig{
			URL:     v.GetString("MLFLOW_URL"),
			Token:   v.GetString("MLFLOW_TOKEN"),
			Timeout: duration(v, "MLFLOW_TIMEOUT", 30*time.Second),
		},
		AWS: AWSConfig{
			Region: v.GetString("AWS_REGION"),
			Bucket: v.GetString("ARTIFACT_BUCKET"),
		},
		Sync: SyncConfig{
			MaxParallel:      v.GetInt("SYNC_MAX_PARALLEL"),
			RepackageTimeout: duration(v, "SYNC_REPACKAGE_TIMEOUT", 10*time.Minute),
			RetryAttempts:    v.GetInt("SYNC_RETRY_ATTEMPTS"),
			RetryDelay:       duration(v, "SYNC_RETRY_DELAY", 2*time.Second),
			Images:           parseImageMap(v.GetString("SYNC_IMAGE_URIS")),
		},
		Webhook: WebhookConfig{
			Secret: v.GetString("WEBHOOK_SHARED_SECRET"),
		},
		Database: DatabaseConfig{
			Enabled:         v.GetBool("DB_ENABLED"),
			Host:            v.GetString("DB_HOST"),
			Port:            v.GetInt("DB_PORT"),
			User:            v.GetString("DB_USER"),
			Password:        v.GetString("DB_PASSWORD"),
			Name:            v.GetString("DB_NAME"),
			SSLMode:         v.GetString("DB_SSLMODE"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: duration(v, "DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Logger: LoggerConfig{
			Level:  v.GetString("LOGGER_LEVEL"),
			Format: v.GetString("LOGGER_FORMAT"),
		},
	}

	return cfg, nil
}

func duration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return fallback
	}
	return d
}

// parseImageMap reads "flavor=uri,flavor=uri" pairs, the env stand-in for
// the per-flavor image parameters the deployment keeps in its parameter
// store.
func parseImageMap(raw string) map[string]string {
	images := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || val == "" {
			continue
		}
		images[k] = val
	}
	return images
}
