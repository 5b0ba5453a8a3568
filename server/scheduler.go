package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/chazu/fable/manifest"
	"github.com/chazu/fable/vm"
)

// HTTPScheduler resolves model futures against configured model
// endpoints and net futures as plain HTTP fetches.
type HTTPScheduler struct {
	models map[string]manifest.Model
	client *http.Client
}

// NewHTTPScheduler creates a scheduler over the manifest's model table.
func NewHTTPScheduler(models map[string]manifest.Model) *HTTPScheduler {
	return &HTTPScheduler{
		models: models,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// Schedule starts the call on its own goroutine and reports the
// outcome on results.
func (s *HTTPScheduler) Schedule(ctx context.Context, handle vm.ObjectIndex, req ScheduledRequest, results chan<- FutureResult) {
	go func() {
		text, err := s.perform(ctx, req)
		select {
		case results <- FutureResult{Handle: handle, Text: text, Err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *HTTPScheduler) perform(ctx context.Context, req ScheduledRequest) (string, error) {
	switch req.Kind {
	case vm.FutureLlm:
		return s.callModel(ctx, req)
	case vm.FutureNet:
		return s.fetch(ctx, req)
	default:
		return "", fmt.Errorf("scheduler: unknown future kind %d", req.Kind)
	}
}

type modelRequest struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

type modelResponse struct {
	Text string `json:"text"`
}

// callModel posts the function call to the configured default model
// endpoint and returns its text completion.
func (s *HTTPScheduler) callModel(ctx context.Context, req ScheduledRequest) (string, error) {
	model, ok := s.models["default"]
	if !ok {
		return "", fmt.Errorf("scheduler: no default model configured for %s", req.Function)
	}

	body, err := json.Marshal(modelRequest{Function: req.Function, Args: req.Args})
	if err != nil {
		return "", fmt.Errorf("scheduler: encoding model request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, model.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("scheduler: building model request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if model.APIKeyEnv != "" {
		if key := os.Getenv(model.APIKeyEnv); key != "" {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("scheduler: model call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scheduler: model endpoint returned %s", resp.Status)
	}

	var decoded modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("scheduler: decoding model response: %w", err)
	}
	return decoded.Text, nil
}

// fetch performs a network future: a GET of the URL in the first
// argument.
func (s *HTTPScheduler) fetch(ctx context.Context, req ScheduledRequest) (string, error) {
	if len(req.Args) == 0 {
		return "", fmt.Errorf("scheduler: net future %s has no URL argument", req.Function)
	}

	// Arguments arrive rendered; strings carry their quotes.
	url := trimQuotes(req.Args[0])

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("scheduler: building fetch request: %w", err)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("scheduler: fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scheduler: fetch returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("scheduler: reading fetch body: %w", err)
	}
	return string(body), nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
