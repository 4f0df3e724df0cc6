package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

const defaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	S3 struct {
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"s3"`
	Firebase struct {
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"firebase"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// LoadConfig reads the YAML file at CONFIG_PATH (config/config.yaml by
// default) and applies environment overrides. A missing file is not an error
// so that deployments can configure everything through the environment.
func LoadConfig() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	override(&cfg.Server.Address, "SERVER_ADDRESS")
	override(&cfg.Database.Driver, "DB_DRIVER")
	override(&cfg.Database.URL, "DATABASE_URL")
	override(&cfg.Redis.Addr, "REDIS_ADDR")
	override(&cfg.Redis.Password, "REDIS_PASSWORD")
	override(&cfg.S3.Region, "S3_REGION")
	override(&cfg.S3.Endpoint, "S3_ENDPOINT")
	override(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	override(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	override(&cfg.Firebase.CredentialsFile, "FIREBASE_CREDENTIALS_FILE")
	override(&cfg.Auth.JWTSecret, "JWT_SECRET")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	if cfg.Database.Driver != "mysql" && cfg.Database.Driver != "pgx" {
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.URL == "" {
		return Config{}, fmt.Errorf("database url is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return Config{}, fmt.Errorf("auth jwt secret is required")
	}
	return cfg, nil
}

func override(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}
