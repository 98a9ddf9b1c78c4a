package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/matchcut/pkg/rigapi"
)

// ViewerClient delivers artifacts and the event timeline to the downstream
// archive/viewer and returns its durable receipt.
type ViewerClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

func NewViewerClient(baseURL, apiToken string, timeout time.Duration) *ViewerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ViewerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   strings.TrimSpace(apiToken),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *ViewerClient) Import(ctx context.Context, payload rigapi.ImportRequest) (rigapi.ImportReceipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return rigapi.ImportReceipt{}, Terminal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/import", bytes.NewReader(body))
	if err != nil {
		return rigapi.ImportReceipt{}, Terminal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rigapi.ImportReceipt{}, fmt.Errorf("viewer import: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return rigapi.ImportReceipt{}, fmt.Errorf("viewer import: %s", resp.Status)
	case resp.StatusCode >= 400:
		// Client errors will not heal on retry.
		return rigapi.ImportReceipt{}, Terminal(fmt.Errorf("viewer rejected import: %s", resp.Status))
	}
	var receipt rigapi.ImportReceipt
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&receipt); err != nil {
		return rigapi.ImportReceipt{}, fmt.Errorf("decode viewer receipt: %w", err)
	}
	return receipt, nil
}
