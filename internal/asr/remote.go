package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"scribe/internal/httpclient"
	"scribe/internal/logging"
)

const maxEngineResponseBytes = 32 << 20

// RemoteEngine calls an ASR engine over HTTP.
type RemoteEngine struct {
	url    string
	client *http.Client
	logger logging.Logger
}

// NewRemoteEngine builds an engine client for the given endpoint.
func NewRemoteEngine(url string, timeout time.Duration) *RemoteEngine {
	logger := logging.NewComponentLogger("AsrEngine")
	return &RemoteEngine{
		url:    url,
		client: httpclient.NewWithCircuitBreaker(timeout, logger, "asr-engine"),
		logger: logger,
	}
}

type transcribeRequest struct {
	Samples []float32 `json:"samples"`
	Params  Params    `json:"params"`
}

// Transcribe posts the samples to the engine and decodes the result.
func (e *RemoteEngine) Transcribe(ctx context.Context, samples []float32, params Params) (Result, error) {
	if e.url == "" {
		return Result{}, fmt.Errorf("asr engine url not configured")
	}
	body, err := json.Marshal(transcribeRequest{Samples: samples, Params: params})
	if err != nil {
		return Result{}, fmt.Errorf("encode transcribe request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call asr engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("asr engine returned status %d", resp.StatusCode)
	}
	data, err := httpclient.ReadAllWithLimit(resp.Body, maxEngineResponseBytes)
	if err != nil {
		return Result{}, fmt.Errorf("read asr engine response: %w", err)
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("decode asr engine response: %w", err)
	}
	e.logger.Debug("engine returned %d segments", len(result.Segments))
	return result, nil
}
