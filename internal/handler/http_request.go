package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
)

// HTTPRequestPayload represents the optional payload of http_request jobs.
// The job target is the URL.
type HTTPRequestPayload struct {
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	ExpectedStatus []int             `json:"expected_status"`
}

// HTTPRequestHandler calls an HTTP endpoint
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler. The attempt
// context bounds each request.
func NewHTTPRequestHandler(logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger:     logger.Named("http-request"),
		httpClient: &http.Client{},
	}
}

// ExpectedDuration implements dispatcher.Strategy
func (h *HTTPRequestHandler) ExpectedDuration() time.Duration {
	return 10 * time.Second
}

// Run performs the HTTP request
func (h *HTTPRequestHandler) Run(ctx context.Context, exec *model.Execution) model.Outcome {
	var payload HTTPRequestPayload
	if err := decodePayload(exec.Definition.Payload, &payload); err != nil {
		return model.Failed(err)
	}

	url := exec.Definition.Target
	if url == "" {
		return model.Failed(errors.New("http_request requires a target URL"))
	}
	method := strings.ToUpper(payload.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return model.Failed(fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("instance_id", exec.Instance.ID),
		zap.String("method", method),
		zap.String("url", url))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return model.Failed(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxOutput))
	if err != nil {
		return model.Failed(fmt.Errorf("failed to read response: %w", err))
	}

	if !statusAccepted(resp.StatusCode, payload.ExpectedStatus) {
		return model.Outcome{
			Err:    fmt.Sprintf("HTTP request failed with status: %d", resp.StatusCode),
			Output: respBody,
		}
	}
	return model.Succeeded(respBody)
}

func statusAccepted(code int, expected []int) bool {
	if len(expected) == 0 {
		return code < 400
	}
	for _, c := range expected {
		if c == code {
			return true
		}
	}
	return false
}
