package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultUploadPath = "/api/sync/upload"

var errMissingTokens = errors.New("token issuer is required")

// TokenSource mints the bearer credential attached to an upload.
type TokenSource interface {
	IssueDeviceToken(deviceID string) (string, int64, error)
}

// HTTPClientConfig configures the sync upload client.
type HTTPClientConfig struct {
	BaseURL    string
	UploadPath string
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *zap.Logger
}

// HTTPClient submits batches to the remote sync endpoint. One POST per
// trigger; the request either completes within the client timeout or fails
// as a whole — there is no mid-flight cancellation or internal retry.
type HTTPClient struct {
	baseURL    string
	uploadPath string
	httpClient *http.Client
	tokens     TokenSource
	logger     *zap.Logger
}

// NewHTTPClient constructs the upload client with a bounded timeout.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("sync base url is required")
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	uploadPath := cfg.UploadPath
	if uploadPath == "" {
		uploadPath = defaultUploadPath
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		uploadPath: uploadPath,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		logger:     logger,
	}, nil
}

type uploadResponse struct {
	Results *resultPartitions `json:"results"`
}

type resultPartitions struct {
	Success    []partitionEntry `json:"success"`
	Duplicates []partitionEntry `json:"duplicates"`
	Failed     []Rejection      `json:"failed"`
}

type partitionEntry struct {
	OfflineID string `json:"offlineId"`
}

// UploadBatch posts the batch and parses the three-partition verdict.
// Transport-level errors and non-2xx statuses surface as ErrTransportFailure;
// a 2xx reply without the expected partitions is ErrMalformedResponse.
func (c *HTTPClient) UploadBatch(ctx context.Context, batch Batch) (BatchResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return BatchResult{}, fmt.Errorf("encode batch: %w", err)
	}

	token, _, err := c.tokens.IssueDeviceToken(batch.DeviceID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("issue device token: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.uploadPath, bytes.NewReader(body))
	if err != nil {
		return BatchResult{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return BatchResult{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	payload, readErr := io.ReadAll(response.Body)
	_ = response.Body.Close()
	if readErr != nil {
		return BatchResult{}, fmt.Errorf("%w: %v", ErrTransportFailure, readErr)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		c.logger.Warn("sync endpoint returned error status",
			zap.Int("status", response.StatusCode))
		return BatchResult{}, fmt.Errorf("%w: status %d", ErrTransportFailure, response.StatusCode)
	}

	var decoded uploadResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return BatchResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if decoded.Results == nil {
		return BatchResult{}, fmt.Errorf("%w: missing results", ErrMalformedResponse)
	}

	result := BatchResult{
		Accepted:   make([]string, 0, len(decoded.Results.Success)),
		Duplicates: make([]string, 0, len(decoded.Results.Duplicates)),
		Rejected:   decoded.Results.Failed,
	}
	for _, entry := range decoded.Results.Success {
		result.Accepted = append(result.Accepted, entry.OfflineID)
	}
	for _, entry := range decoded.Results.Duplicates {
		result.Duplicates = append(result.Duplicates, entry.OfflineID)
	}
	return result, nil
}
