package config

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "qwengated.toml"

const (
	DefaultDirectThresholdBytes = 5 * 1024 * 1024
	DefaultMaxImageBytes        = 10 * 1024 * 1024
	DefaultChunkSizeBytes       = 5 * 1024 * 1024
	DefaultChunkRetries         = 3
	DefaultChunkParallelism     = 3
)

// UpstreamConfig carries everything needed to talk to the remote chat
// service with a captured browser session.
type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	AuthToken      string `toml:"auth_token,omitempty"`
	Cookies        string `toml:"cookies,omitempty"`
	UserAgent      string `toml:"user_agent,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type UploadConfig struct {
	DirectThresholdBytes int64  `toml:"direct_threshold_bytes,omitempty"`
	MaxImageBytes        int64  `toml:"max_image_bytes,omitempty"`
	ChunkSizeBytes       int64  `toml:"chunk_size_bytes,omitempty"`
	ChunkRetries         int    `toml:"chunk_retries,omitempty"`
	ChunkParallelism     int    `toml:"chunk_parallelism,omitempty"`
	Region               string `toml:"region,omitempty"`
}

type HealthConfig struct {
	IntervalSeconds int `toml:"interval_seconds,omitempty"`
	RetrySeconds    int `toml:"retry_seconds,omitempty"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertPEM    string `toml:"cert_pem,omitempty"`
	KeyPEM     string `toml:"key_pem,omitempty"`
}

type IncomingAPIToken struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Comment   string `toml:"comment,omitempty"`
	Key       string `toml:"key"`
	ExpiresAt string `toml:"expires_at,omitempty"`
	CreatedAt string `toml:"created_at,omitempty"`
}

type ServerConfig struct {
	ListenAddr           string             `toml:"listen_addr"`
	IncomingTokens       []IncomingAPIToken `toml:"incoming_tokens"`
	AllowLocalhostNoAuth bool               `toml:"allow_localhost_no_auth"`
	DefaultModel         string             `toml:"default_model"`
	ModelAliases         map[string]string  `toml:"model_aliases,omitempty"`
	ConversationsPath    string             `toml:"conversations_path,omitempty"`
	Upstream             UpstreamConfig     `toml:"upstream"`
	Upload               UploadConfig       `toml:"upload"`
	Health               HealthConfig       `toml:"health"`
	TLS                  TLSConfig          `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "qwengate", defaultConfigFileName)
}

func DefaultConversationsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "conversations.db"
	}
	return filepath.Join(home, ".cache", "qwengate", "conversations.db")
}

func DefaultModelsCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models-cache.json"
	}
	return filepath.Join(home, ".cache", "qwengate", "models-cache.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "qwengate", "tls-autocert")
}

// Aliases mirror the web client's short names onto the concrete model IDs
// the remote service actually lists.
func DefaultModelAliases() map[string]string {
	return map[string]string{
		"qwen":            "qwen3-max",
		"qwen3":           "qwen3-max",
		"qwen3-coder":     "qwen3-coder-plus",
		"qwen3-vl":        "qwen3-vl-plus",
		"qwen3-omni":      "qwen3-omni-flash",
		"qwen-max":        "qwen-max-latest",
		"qwen-plus":       "qwen-plus-2025-09-11",
		"qwen-turbo":      "qwen-turbo-2025-02-11",
		"qwq":             "qwq-32b",
		"qvq":             "qvq-72b-preview-0310",
		"qwen2.5":         "qwen2.5-72b-instruct",
		"qwen2.5-coder":   "qwen2.5-coder-32b-instruct",
		"qwen2.5-vl":      "qwen2.5-vl-32b-instruct",
		"qwen2.5-omni":    "qwen2.5-omni-7b",
		"qwen2.5-14b":     "qwen2.5-14b-instruct-1m",
		"qwen2.5-72b":     "qwen2.5-72b-instruct",
		"qwen3-235b":      "qwen3-235b-a22b",
		"qwen3-30b":       "qwen3-30b-a3b",
		"qwen3-coder-30b": "qwen3-coder-30b-a3b-instruct",
		"gpt-3.5-turbo":   "qwen-turbo-2025-02-11",
		"gpt-4":           "qwen-plus-2025-09-11",
		"gpt-4-turbo":     "qwen3-max",
	}
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:           "127.0.0.1:8080",
		IncomingTokens:       []IncomingAPIToken{},
		AllowLocalhostNoAuth: true,
		DefaultModel:         "qwen3-235b-a22b",
		ModelAliases:         DefaultModelAliases(),
		ConversationsPath:    DefaultConversationsPath(),
		Upstream: UpstreamConfig{
			BaseURL:        "https://chat.qwen.ai",
			TimeoutSeconds: 120,
		},
		Upload: UploadConfig{
			DirectThresholdBytes: DefaultDirectThresholdBytes,
			MaxImageBytes:        DefaultMaxImageBytes,
			ChunkSizeBytes:       DefaultChunkSizeBytes,
			ChunkRetries:         DefaultChunkRetries,
			ChunkParallelism:     DefaultChunkParallelism,
			Region:               "ap-southeast-1",
		},
		Health: HealthConfig{
			IntervalSeconds: 300,
			RetrySeconds:    30,
		},
		TLS: TLSConfig{
			Enabled:    false,
			Mode:       "letsencrypt",
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	} else {
		if err != nil {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

// ApplyEnvOverrides lets the captured session secrets come from the
// environment instead of sitting in the config file.
func (c *ServerConfig) ApplyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("QWEN_AUTH_TOKEN")); v != "" {
		c.Upstream.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("QWEN_COOKIES")); v != "" {
		c.Upstream.Cookies = v
	}
}

func (c *ServerConfig) Normalize() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8080"
	}
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	if c.DefaultModel == "" {
		c.DefaultModel = "qwen3-235b-a22b"
	}
	if c.ModelAliases == nil {
		c.ModelAliases = DefaultModelAliases()
	}
	c.ConversationsPath = strings.TrimSpace(c.ConversationsPath)
	if c.ConversationsPath == "" {
		c.ConversationsPath = DefaultConversationsPath()
	}

	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://chat.qwen.ai"
	}
	c.Upstream.AuthToken = strings.TrimSpace(c.Upstream.AuthToken)
	c.Upstream.Cookies = strings.TrimSpace(c.Upstream.Cookies)
	c.Upstream.UserAgent = strings.TrimSpace(c.Upstream.UserAgent)
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 120
	}

	if c.Upload.DirectThresholdBytes <= 0 {
		c.Upload.DirectThresholdBytes = DefaultDirectThresholdBytes
	}
	if c.Upload.MaxImageBytes <= 0 {
		c.Upload.MaxImageBytes = DefaultMaxImageBytes
	}
	if c.Upload.ChunkSizeBytes <= 0 {
		c.Upload.ChunkSizeBytes = DefaultChunkSizeBytes
	}
	if c.Upload.ChunkRetries <= 0 {
		c.Upload.ChunkRetries = DefaultChunkRetries
	}
	if c.Upload.ChunkParallelism <= 0 {
		c.Upload.ChunkParallelism = DefaultChunkParallelism
	}
	c.Upload.Region = strings.TrimSpace(c.Upload.Region)
	if c.Upload.Region == "" {
		c.Upload.Region = "ap-southeast-1"
	}

	if c.Health.IntervalSeconds <= 0 {
		c.Health.IntervalSeconds = 300
	}
	if c.Health.RetrySeconds <= 0 {
		c.Health.RetrySeconds = 30
	}

	c.TLS.Mode = strings.ToLower(strings.TrimSpace(c.TLS.Mode))
	if c.TLS.Mode != "pem" {
		c.TLS.Mode = "letsencrypt"
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
	c.TLS.CertPEM = strings.TrimSpace(c.TLS.CertPEM)
	c.TLS.KeyPEM = strings.TrimSpace(c.TLS.KeyPEM)

	tokenSeen := map[string]struct{}{}
	tokens := make([]IncomingAPIToken, 0, len(c.IncomingTokens))
	for i, t := range c.IncomingTokens {
		t.ID = strings.TrimSpace(t.ID)
		t.Name = strings.TrimSpace(t.Name)
		t.Comment = strings.TrimSpace(t.Comment)
		t.Key = strings.TrimSpace(t.Key)
		t.ExpiresAt = strings.TrimSpace(t.ExpiresAt)
		t.CreatedAt = strings.TrimSpace(t.CreatedAt)
		if t.Key == "" {
			continue
		}
		if _, ok := tokenSeen[t.Key]; ok {
			continue
		}
		tokenSeen[t.Key] = struct{}{}
		if t.ID == "" {
			t.ID = tokenID(t.Key, i)
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("Token %d", len(tokens)+1)
		}
		tokens = append(tokens, t)
	}
	c.IncomingTokens = tokens
}

func (c *ServerConfig) Validate() error {
	idSeen := map[string]struct{}{}
	for _, t := range c.IncomingTokens {
		if t.ID == "" {
			return errors.New("incoming token id cannot be empty")
		}
		if _, ok := idSeen[t.ID]; ok {
			return fmt.Errorf("duplicate incoming token id %q", t.ID)
		}
		idSeen[t.ID] = struct{}{}
		if t.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, t.ExpiresAt); err != nil {
				return fmt.Errorf("incoming token %q expires_at must be RFC3339", t.ID)
			}
		}
	}
	if c.Upload.ChunkSizeBytes < 100*1024 {
		return fmt.Errorf("upload.chunk_size_bytes too small: %d", c.Upload.ChunkSizeBytes)
	}
	if c.TLS.Enabled && c.TLS.Mode == "letsencrypt" && c.TLS.Domain == "" {
		return errors.New("tls.domain is required for letsencrypt mode")
	}
	if c.TLS.Enabled && c.TLS.Mode == "pem" && (c.TLS.CertPEM == "" || c.TLS.KeyPEM == "") {
		return errors.New("tls cert_pem and key_pem are required for pem mode")
	}
	return nil
}

// ResolveModel maps an alias to the concrete remote model ID. Unknown
// names that already look like remote IDs pass through untouched; anything
// else falls back to the default model.
func (c *ServerConfig) ResolveModel(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return c.DefaultModel
	}
	if mapped, ok := c.ModelAliases[strings.ToLower(requested)]; ok {
		return mapped
	}
	if strings.HasPrefix(strings.ToLower(requested), "qwen") ||
		strings.HasPrefix(strings.ToLower(requested), "qwq") ||
		strings.HasPrefix(strings.ToLower(requested), "qvq") {
		return requested
	}
	return c.DefaultModel
}

// Store serializes config snapshots and mutations; mutations persist
// atomically before they become visible.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewStore(path string, cfg *ServerConfig) *Store {
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	cp.IncomingTokens = append([]IncomingAPIToken(nil), s.cfg.IncomingTokens...)
	cp.ModelAliases = make(map[string]string, len(s.cfg.ModelAliases))
	for k, v := range s.cfg.ModelAliases {
		cp.ModelAliases[k] = v
	}
	return cp
}

func (s *Store) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	cp.IncomingTokens = append([]IncomingAPIToken(nil), s.cfg.IncomingTokens...)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

func tokenID(key string, idx int) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("tok-%d-%x", idx+1, h.Sum64())
}
