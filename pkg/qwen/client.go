package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/qwengate/pkg/config"
	"github.com/lkarlslund/qwengate/pkg/upload"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

type ModelCard struct {
	ID     string `json:"id"`
	Object string `json:"object,omitempty"`
	Name   string `json:"name,omitempty"`
}

type ModelSettings struct {
	ThinkingBudget int `json:"thinking_budget"`
}

// Client talks to the remote chat service using a captured browser
// session (cookies plus bearer token).
type Client struct {
	baseURL   string
	authToken string
	cookie    string
	userAgent string

	// Short-lived calls get a hard timeout; streaming bodies rely on
	// request context instead.
	http       *http.Client
	streamHTTP *http.Client

	log *log.Logger

	settingsMu sync.RWMutex
	settings   map[string]ModelSettings
}

func NewClient(cfg config.UpstreamConfig, logger *log.Logger) *Client {
	cookies := ParseCookies(cfg.Cookies).Essential()
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = cookies.Token()
	}
	if missing := cookies.MissingCritical(); len(missing) > 0 && logger != nil {
		logger.Warn("session cookie is missing critical params", "missing", strings.Join(missing, ","))
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authToken:  token,
		cookie:     cookies.String(),
		userAgent:  ua,
		http:       &http.Client{Timeout: timeout},
		streamHTTP: &http.Client{},
		log:        logger,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Source", "web")
	req.Header.Set("User-Agent", c.userAgent)
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return req, nil
}

// doJSON issues the request and decodes a JSON body, translating error
// statuses and the login-page redirect into typed errors.
func (c *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: truncateBody(string(b))}
	}
	if looksLikeHTML(string(b)) {
		return fmt.Errorf("%s: %w", op, ErrSessionExpired)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s decode: %w", op, err)
	}
	return nil
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[:512]
	}
	return s
}

// ProbeAuth checks whether the session is still accepted. Upstream
// answers the user-info endpoint with its login page once the token has
// expired, so an HTML body counts as an auth failure even on HTTP 200.
func (c *Client) ProbeAuth(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/auths/", nil)
	if err != nil {
		return err
	}
	var user struct {
		ID string `json:"id"`
	}
	return c.doJSON(req, "auth probe", &user)
}

func (c *Client) ListModels(ctx context.Context) ([]ModelCard, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/models", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.doJSON(req, "list models", &out); err != nil {
		return nil, err
	}
	cards := make([]ModelCard, 0, len(out.Data))
	for _, m := range out.Data {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		cards = append(cards, ModelCard{ID: m.ID, Object: "model", Name: m.Name})
	}
	return cards, nil
}

// RefreshUserSettings pulls the per-model defaults the web client keeps
// server-side, notably the default thinking budget per model.
func (c *Client) RefreshUserSettings(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v2/users/user/settings", nil)
	if err != nil {
		return err
	}
	var out struct {
		Data struct {
			ModelConfig map[string]ModelSettings `json:"model_config"`
		} `json:"data"`
	}
	if err := c.doJSON(req, "user settings", &out); err != nil {
		return err
	}
	c.settingsMu.Lock()
	c.settings = out.Data.ModelConfig
	c.settingsMu.Unlock()
	return nil
}

// DefaultThinkingBudget returns the server-side default budget for the
// model, or 0 when none is known.
func (c *Client) DefaultThinkingBudget(model string) int {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.settings[model].ThinkingBudget
}

// CreateChat opens a fresh remote conversation and returns its ID.
func (c *Client) CreateChat(ctx context.Context, model, title string) (string, error) {
	payload := map[string]any{
		"title":     title,
		"models":    []string{model},
		"chat_mode": "normal",
		"chat_type": "t2t",
		"timestamp": time.Now().UnixMilli(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v2/chats/new", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	var out struct {
		Success bool `json:"success"`
		Data    struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(req, "create chat", &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("create chat: empty chat id in response")
	}
	return out.Data.ID, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v2/chats/"+chatID, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, "delete chat", nil)
}

// UploadGrant requests short-lived object-storage credentials scoped to
// one file. filetype is one of image, video, file.
func (c *Client) UploadGrant(ctx context.Context, filename string, size int64, filetype string) (*upload.Grant, error) {
	payload := map[string]any{
		"filename": filename,
		"filesize": size,
		"filetype": filetype,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v2/files/getstsToken", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			AccessKeyID     string `json:"access_key_id"`
			AccessKeySecret string `json:"access_key_secret"`
			SecurityToken   string `json:"security_token"`
			BucketName      string `json:"bucketname"`
			Endpoint        string `json:"endpoint"`
			FilePath        string `json:"file_path"`
			FileID          string `json:"file_id"`
			FileURL         string `json:"file_url"`
		} `json:"data"`
	}
	if err := c.doJSON(req, "upload grant", &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("upload grant rejected: %s", out.Message)
	}
	d := out.Data
	if d.AccessKeyID == "" || d.AccessKeySecret == "" || d.SecurityToken == "" {
		return nil, fmt.Errorf("upload grant: incomplete credentials in response")
	}
	return &upload.Grant{
		AccessKeyID:     d.AccessKeyID,
		AccessKeySecret: d.AccessKeySecret,
		SecurityToken:   d.SecurityToken,
		Bucket:          d.BucketName,
		Endpoint:        d.Endpoint,
		FilePath:        d.FilePath,
		FileID:          d.FileID,
		FileURL:         d.FileURL,
	}, nil
}
