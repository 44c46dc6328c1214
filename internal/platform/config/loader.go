package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/encryptor-sim/controlplane/internal/pskvault"
)

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to an optional TOML override file. Values there
	// are layered under the environment: present env vars always win. If
	// ConfigPath is set but the file is missing, loading fails.
	ConfigPath string

	// Logger is used for warning messages (e.g. an undecoded TOML key).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// fileConfig mirrors the subset of Config that the optional TOML override
// file may set. Pointer/zero-value fields are only applied when present.
type fileConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	DataDir        string `toml:"data_dir"`
	SocketPath     string `toml:"daemon_socket_path"`
	TLS            *fileTLSConfig `toml:"tls"`
	Logging        *fileLoggingConfig `toml:"logging"`
	BootstrapAdmin *fileBootstrapAdminConfig `toml:"bootstrap_admin"`
}

type fileTLSConfig struct {
	Mode          string `toml:"mode"`
	CertFile      string `toml:"cert_file"`
	KeyFile       string `toml:"key_file"`
	SelfSignedDir string `toml:"self_signed_dir"`
}

type fileLoggingConfig struct {
	Level          string `toml:"level"`
	AllowSensitive bool   `toml:"allow_sensitive"`
}

type fileBootstrapAdminConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// defaults for every optional APP_* variable.
const (
	defaultListenAddr    = ":8443"
	defaultDataDir       = "/var/lib/encryptor-sim"
	defaultSocketPath    = "/run/encryptor-sim/daemon.sock"
	defaultTLSMode       = "selfsigned"
	defaultSelfSignedDir = "/var/lib/encryptor-sim/certs"
	defaultLogLevel      = "info"
	defaultAdminUsername = "admin"
)

// Load builds a Config with the following precedence, highest wins:
//
//  1. APP_* environment variables
//  2. the optional TOML override file at opts.ConfigPath
//  3. built-in defaults
//
// APP_PSK_ENCRYPTION_KEY and APP_SECRET_KEY are required; every other
// variable has a default. Load fails fast if a required variable is missing
// or a value fails to parse.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var fc fileConfig
	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
	}

	cfg := &Config{
		ListenAddr: defaultListenAddr,
		DataDir:    defaultDataDir,
		SocketPath: defaultSocketPath,
		TLS: TLSConfig{
			Mode:          defaultTLSMode,
			SelfSignedDir: defaultSelfSignedDir,
		},
		Logging: LoggingConfig{
			Level: defaultLogLevel,
		},
		BootstrapAdmin: BootstrapAdminConfig{
			Username: defaultAdminUsername,
		},
	}

	overlayFileConfig(cfg, &fc)
	if err := overlayEnv(cfg); err != nil {
		return nil, err
	}

	psk, ok := os.LookupEnv("APP_PSK_ENCRYPTION_KEY")
	if !ok || psk == "" {
		return nil, fmt.Errorf("APP_PSK_ENCRYPTION_KEY is required")
	}
	key, err := pskvault.ParseKey(psk)
	if err != nil {
		return nil, fmt.Errorf("APP_PSK_ENCRYPTION_KEY: %w", err)
	}
	cfg.PSKEncryptionKey = key

	secret, ok := os.LookupEnv("APP_SECRET_KEY")
	if !ok || secret == "" {
		return nil, fmt.Errorf("APP_SECRET_KEY is required")
	}
	cfg.TokenSigningKey = []byte(secret)

	if err := validateTLSMode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// overlayFileConfig applies the optional TOML override file on top of the
// built-in defaults. Empty string/false fields in fc are treated as absent,
// matching the teacher's overlay semantics.
func overlayFileConfig(cfg *Config, fc *fileConfig) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.SocketPath != "" {
		cfg.SocketPath = fc.SocketPath
	}
	if fc.TLS != nil {
		if fc.TLS.Mode != "" {
			cfg.TLS.Mode = fc.TLS.Mode
		}
		if fc.TLS.CertFile != "" {
			cfg.TLS.CertFile = fc.TLS.CertFile
		}
		if fc.TLS.KeyFile != "" {
			cfg.TLS.KeyFile = fc.TLS.KeyFile
		}
		if fc.TLS.SelfSignedDir != "" {
			cfg.TLS.SelfSignedDir = fc.TLS.SelfSignedDir
		}
	}
	if fc.Logging != nil {
		if fc.Logging.Level != "" {
			cfg.Logging.Level = fc.Logging.Level
		}
		cfg.Logging.AllowSensitive = fc.Logging.AllowSensitive
	}
	if fc.BootstrapAdmin != nil {
		if fc.BootstrapAdmin.Username != "" {
			cfg.BootstrapAdmin.Username = fc.BootstrapAdmin.Username
		}
		if fc.BootstrapAdmin.Password != "" {
			cfg.BootstrapAdmin.Password = fc.BootstrapAdmin.Password
		}
	}
}

// overlayEnv applies every APP_* environment variable on top of whatever
// overlayFileConfig already set, so a present env var always wins.
func overlayEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("APP_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("APP_DATABASE_URL"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("APP_DAEMON_SOCKET_PATH"); ok {
		cfg.SocketPath = v
	}
	if v, ok := os.LookupEnv("APP_TLS_MODE"); ok {
		cfg.TLS.Mode = v
	}
	if v, ok := os.LookupEnv("APP_TLS_CERT_FILE"); ok {
		cfg.TLS.CertFile = v
	}
	if v, ok := os.LookupEnv("APP_TLS_KEY_FILE"); ok {
		cfg.TLS.KeyFile = v
	}
	if v, ok := os.LookupEnv("APP_TLS_SELFSIGNED_DIR"); ok {
		cfg.TLS.SelfSignedDir = v
	}
	if v, ok := os.LookupEnv("APP_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("APP_LOG_ALLOW_SENSITIVE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("APP_LOG_ALLOW_SENSITIVE: invalid bool %q", v)
		}
		cfg.Logging.AllowSensitive = b
	}
	if v, ok := os.LookupEnv("APP_BOOTSTRAP_ADMIN_USERNAME"); ok {
		cfg.BootstrapAdmin.Username = v
	}
	if v, ok := os.LookupEnv("APP_BOOTSTRAP_ADMIN_PASSWORD"); ok {
		cfg.BootstrapAdmin.Password = v
	}
	return nil
}

func validateTLSMode(cfg *Config) error {
	switch cfg.TLS.Mode {
	case "off", "static", "selfsigned":
		return nil
	default:
		return fmt.Errorf("invalid tls mode %q: must be one of off, static, selfsigned", cfg.TLS.Mode)
	}
}
