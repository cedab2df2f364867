// Package httprequest provides the built-in handler for calling backend
// services (catalog, orders, auth) over HTTP.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/template"
)

const defaultTimeoutSeconds = 10

var (
	// ErrURLRequired is returned when the config has no url.
	ErrURLRequired = errors.New("missing required field 'url'")

	// ErrMethodInvalid is returned for methods outside the allowlist.
	ErrMethodInvalid = errors.New("invalid HTTP method")
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// Config is the decoded handler configuration. URL, headers and body all
// support templating against context data.
type Config struct {
	URL            string            `mapstructure:"url"`
	Method         string            `mapstructure:"method"`
	Headers        map[string]string `mapstructure:"headers"`
	Body           string            `mapstructure:"body"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
}

// Handler performs one HTTP call per invocation. Non-2xx responses come back
// as failure results so the action's error strategy decides what happens, the
// handler itself never retries.
type Handler struct {
	client *http.Client
}

func NewHandler(client *http.Client) *Handler {
	if client == nil {
		client = &http.Client{}
	}

	return &Handler{client: client}
}

func (h *Handler) Execute(ctx context.Context, config map[string]any, taskCtx *models.TaskContext) (*models.ExecutionResult, error) {
	var cfg Config

	err := mapstructure.Decode(config, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid http_request config: %w", err)
	}

	if cfg.URL == "" {
		return nil, ErrURLRequired
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := template.Interpolate(cfg.URL, taskCtx)

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(template.Interpolate(cfg.Body, taskCtx))
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for key, value := range cfg.Headers {
		req.Header.Set(key, template.Interpolate(value, taskCtx))
	}

	if cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return models.Failure(fmt.Sprintf("%s %s failed: %v", method, url, err)), nil
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Failure(fmt.Sprintf("%s %s: reading response failed: %v", method, url, err)), nil
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		// StatusText lands in the failure message so the error taxonomy
		// can recognize auth and availability problems.
		return models.Failure(fmt.Sprintf("%s %s returned %d %s", method, url, resp.StatusCode, http.StatusText(resp.StatusCode))), nil
	}

	return models.Succeed(map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsed,
	}), nil
}

func (h *Handler) Validate(config map[string]any) error {
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return ErrURLRequired
	}

	if method, ok := config["method"].(string); ok && method != "" {
		if !allowedMethods[strings.ToUpper(method)] {
			return fmt.Errorf("%w: %q", ErrMethodInvalid, method)
		}
	}

	return nil
}
