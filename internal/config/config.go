// Package config provides functionality for managing configuration options
// for the relay server using command-line flags, a JSON or YAML config file and
// environment variables, in that order of increasing precedence.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultMaxFrameBytes bounds a single websocket frame. Image messages travel
// as base64 data URLs, so the limit is generous.
const DefaultMaxFrameBytes = 8 << 20

// Options holds the configuration values for the server.
type Options struct {
	// Port defines the server's listening address (ip:port).
	Port string `json:"address" yaml:"address"`

	// DatabaseDSN is the Postgres DSN of the identity directory. Empty keeps
	// the directory in memory.
	DatabaseDSN string `json:"database_dsn" yaml:"database_dsn"`

	// Config is the path to the config file.
	Config string `json:"-" yaml:"-"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `json:"tls_cert" yaml:"tls_cert"`
	TLSKey  string `json:"tls_key" yaml:"tls_key"`

	// CACert and CAKey locate the device certificate authority. With TLS on,
	// CACert also verifies client certificates; CAKey lets /api/register
	// issue them.
	CACert string `json:"ca_cert" yaml:"ca_cert"`
	CAKey  string `json:"ca_key" yaml:"ca_key"`

	// RequireRegistered rejects joins from ids unknown to the directory.
	RequireRegistered bool `json:"require_registered" yaml:"require_registered"`

	// JWTSecret, when set, makes /api/login return a websocket ticket signed
	// with it.
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`

	// RedisURL, when set, mirrors the presence set into Redis.
	RedisURL string `json:"redis_url" yaml:"redis_url"`

	// MaxFrameBytes caps inbound websocket frames.
	MaxFrameBytes int64 `json:"max_frame_bytes" yaml:"max_frame_bytes"`
}

// TLSEnabled reports whether a server certificate is configured.
func (o *Options) TLSEnabled() bool {
	return o.TLSCert != "" && o.TLSKey != ""
}

// Parse loads ./.env, then parses os.Args and the environment, exiting on
// invalid input.
func Parse() *Options {
	if err := LoadEnvFile(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	opts, err := ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return opts
}

// LoadEnvFile exports the variables of a dotenv file that are not already set
// in the environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ParseArgs parses args, then overlays the config file (if present) and
// environment variables.
func ParseArgs(args []string) (*Options, error) {
	options := &Options{}

	fset := flag.NewFlagSet("server", flag.ContinueOnError)
	fset.StringVar(&options.Port, "a", "localhost:8080", "run on ip:port server")
	fset.StringVar(&options.DatabaseDSN, "d", "", "db address")
	fset.StringVar(&options.Config, "config", "config.json", "path to config file")
	fset.StringVar(&options.Config, "c", "config.json", "path to config file (shorthand)")
	fset.StringVar(&options.LogLevel, "l", "info", "log level")
	fset.StringVar(&options.TLSCert, "tls-cert", "", "server certificate PEM")
	fset.StringVar(&options.TLSKey, "tls-key", "", "server private key PEM")
	fset.StringVar(&options.CACert, "ca-cert", "", "device CA certificate PEM")
	fset.StringVar(&options.CAKey, "ca-key", "", "device CA private key PEM")
	fset.StringVar(&options.JWTSecret, "jwt-secret", "", "secret for websocket login tickets")
	fset.StringVar(&options.RedisURL, "redis", "", "redis URL for the presence mirror")
	fset.BoolVar(&options.RequireRegistered, "require-registered", false, "only registered users may join")
	fset.Int64Var(&options.MaxFrameBytes, "max-frame", DefaultMaxFrameBytes, "max websocket frame size in bytes")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	// Override flags with environment variables if set
	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		data, err := os.ReadFile(options.Config)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error while reading config file: %w", err)
		default:
			if err := decodeFile(options.Config, data, options); err != nil {
				return nil, fmt.Errorf("error while parsing config file: %w", err)
			}
		}
	}

	if serverAddress := os.Getenv("SERVER_ADDRESS"); serverAddress != "" {
		options.Port = serverAddress
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		options.DatabaseDSN = dsn
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		options.LogLevel = level
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		options.JWTSecret = secret
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		options.RedisURL = redisURL
	}
	if v := os.Getenv("MAX_FRAME_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MAX_FRAME_BYTES: %w", err)
		}
		options.MaxFrameBytes = n
	}

	if options.MaxFrameBytes <= 0 {
		return nil, fmt.Errorf("max frame size must be positive, got %d", options.MaxFrameBytes)
	}
	if (options.TLSCert == "") != (options.TLSKey == "") {
		return nil, errors.New("tls-cert and tls-key must be set together")
	}

	return options, nil
}

// decodeFile unmarshals a JSON or, by extension, YAML config file.
func decodeFile(path string, data []byte, options *Options) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, options)
	default:
		return json.Unmarshal(data, options)
	}
}
