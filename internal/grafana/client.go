package grafana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Client provisions per-session dashboards through the Grafana HTTP API.
type Client struct {
	baseURL string
	apiKey  string
}

// New returns a client, or nil when no API key is configured so the feature
// stays off.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" || apiKey == "" {
		return nil
	}
	return &Client{baseURL: baseURL, apiKey: apiKey}
}

type dashboardResponse struct {
	UID    string `json:"uid"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

// EnsureDashboard creates (or overwrites) the identity's container dashboard
// and returns its URL.
func (c *Client) EnsureDashboard(ctx context.Context, identity, containerName string) (string, error) {
	payload := map[string]interface{}{
		"dashboard": map[string]interface{}{
			"id":    nil,
			"uid":   nil,
			"title": fmt.Sprintf("%s Container Dashboard", identity),
			"panels": []map[string]interface{}{
				{
					"type":       "stat",
					"title":      "CPU Usage",
					"datasource": "prometheus",
					"targets": []map[string]interface{}{
						{
							// The id label carries the full cgroup path, so
							// match the container name anywhere inside it.
							"expr":   fmt.Sprintf(`container_cpu_usage_seconds_total{id=~".*%s.*"}`, containerName),
							"format": "time_series",
						},
					},
					"gridPos": map[string]int{"x": 0, "y": 0, "w": 12, "h": 8},
				},
			},
			"schemaVersion": 36,
			"version":       0,
		},
		"overwrite": true,
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal dashboard: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/dashboards/db", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create dashboard: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create dashboard: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var dr dashboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return "", fmt.Errorf("decode dashboard response: %w", err)
	}
	if dr.URL == "" {
		return "", fmt.Errorf("dashboard response missing url")
	}
	return c.baseURL + dr.URL, nil
}
