package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds all configuration options
type Config struct {
	// Server config
	Port          string   `long:"port" env:"PORT" default:"8443" description:"Server port"`
	RPID          string   `long:"rp-id" env:"RP_ID" default:"localhost" description:"Relying party ID"`
	RPOrigins     []string `long:"rp-origin" env:"RP_ORIGIN" env-delim:"," default:"https://localhost:8443" description:"Relying party origins"`
	IndexRedirect string   `long:"index-redirect" env:"INDEX_REDIRECT" description:"URL to redirect index page to (leave empty for landing page)"`
	SecureCookie  bool     `long:"secure-cookie" env:"SECURE_COOKIE" description:"Mark the session cookie Secure"`
	LogLevel      string   `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`

	// Storage config
	StorageMode string `long:"storage-mode" env:"STORAGE_MODE" default:"filesystem" choice:"filesystem" choice:"s3" choice:"sqlite" description:"User and client storage backend"`
	StateMode   string `long:"state-mode" env:"STATE_MODE" default:"memory" choice:"memory" choice:"redis" choice:"sqlite" description:"Authorization grant and access token storage backend"`
	SessionMode string `long:"session-mode" env:"SESSION_MODE" default:"memory" choice:"memory" choice:"redis" description:"Session storage backend"`

	// Filesystem storage
	DataPath string `long:"data-path" env:"DATA_PATH" default:"./data" description:"Filesystem storage directory"`

	// SQLite storage
	SQLitePath string `long:"sqlite-path" env:"SQLITE_PATH" default:"./data/skyid.db" description:"SQLite database file"`

	// OAuth config
	ClientsFile   string        `long:"clients-file" env:"CLIENTS_FILE" description:"YAML file of statically registered clients"`
	CodeTTL       time.Duration `long:"code-ttl" env:"CODE_TTL" default:"10m" description:"Authorization code lifetime (1m to 10m)"`
	TokenTTL      time.Duration `long:"token-ttl" env:"TOKEN_TTL" default:"1h" description:"Access token lifetime"`
	SessionTTL    time.Duration `long:"session-ttl" env:"SESSION_TTL" default:"24h" description:"Login session lifetime"`
	SweepInterval time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"5m" description:"Interval between expired grant sweeps (0 disables)"`

	// S3 storage
	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"skyid" description:"S3 bucket name"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" default:"minioadmin" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" default:"minioadmin" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	// Redis config
	Redis struct {
		Addr      string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password  string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB        int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
		KeyPrefix string `long:"redis-key-prefix" env:"REDIS_KEY_PREFIX" default:"skyid:" description:"Prefix for all Redis keys"`
	} `group:"Redis Options"`
}

// LoadConfig parses configuration from environment variables and command line flags
func LoadConfig() (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}
