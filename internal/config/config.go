package config

import (
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Chat      ChatConfig
	Knowledge KnowledgeConfig
	PDF       PDFConfig
	Storage   StorageConfig
	Log       LogConfig
	Locale    string
}

type ServerConfig struct {
	BaseURL string
	Timeout time.Duration
}

type AuthConfig struct {
	// Issuer overrides the OIDC issuer advertised by the server.
	Issuer            string
	ClientID          string
	CallbackPort      int
	Scopes            string
	KeepAliveInterval time.Duration
	// AccessToken is a static bearer token that bypasses the stored login.
	AccessToken string
}

type ChatConfig struct {
	Model string
}

type KnowledgeConfig struct {
	PollInterval time.Duration
	// WatchUploads keeps `knowledge upload` running until ingestion settles.
	WatchUploads bool
}

type PDFConfig struct {
	LoadTimeout time.Duration
	SettleDelay time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// Defaults returns the built-in configuration with no file, env or keychain applied.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			ClientID:          "docchat-cli",
			CallbackPort:      8765,
			Scopes:            "openid profile email offline_access",
			KeepAliveInterval: 4 * time.Minute,
		},
		Knowledge: KnowledgeConfig{
			PollInterval: 2 * time.Second,
			WatchUploads: true,
		},
		PDF: PDFConfig{
			LoadTimeout: 60 * time.Second,
			SettleDelay: 100 * time.Millisecond,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Locale: "en",
	}
}

// ScopeList splits the space separated scope setting.
func (c AuthConfig) ScopeList() []string {
	return strings.Fields(c.Scopes)
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.docchat.app) and the
// access token falls back to the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/docchat/config.json
// and secrets live in $XDG_DATA_HOME/docchat/secrets.json.
//
// Environment variables (DOCCHAT_*) override backend values on all platforms.
// A missing access token is not an error: the client runs anonymously until
// the user logs in.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), Keychain{})
}

// SecretReader abstracts secret store reads for testing.
type SecretReader interface {
	Get(service, account string) (string, error)
}

func loadWith(b Backend, kc SecretReader) (Config, error) {
	cfg := Defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Auth.AccessToken == "" {
		if tok, err := kc.Get(Service, AccessTokenAccount); err == nil && tok != "" {
			cfg.Auth.AccessToken = tok
		}
	}

	return cfg, nil
}

const (
	// Service is the secret store service name for every docchat secret.
	Service = "docchat"
	// AccessTokenAccount holds a manually provisioned bearer token.
	AccessTokenAccount = "access_token"
	// OAuthTokenAccount holds the JSON encoded OAuth token from `docchat login`.
	OAuthTokenAccount = "oauth_token"
)

// Keychain reads and writes the platform secret store.
type Keychain struct{}

func (Keychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

func (Keychain) Delete(service, account string) error {
	return keychainDelete(service, account)
}
