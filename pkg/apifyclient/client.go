/**
 * @description
 * This package provides a client for the Apify actor-run API, the external
 * scrape provider behind the search pipeline. It covers exactly the adapter
 * contract the state machine needs: start a run and poll it. Polling is a
 * pure read of provider state and safe to repeat at any cadence; retry policy
 * belongs to the caller, never to this client.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package apifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrProviderUnavailable is returned when the provider rejects a start
// request outright (bad credentials, quota, unknown actor).
var ErrProviderUnavailable = errors.New("scrape provider unavailable")

// Run statuses as the provider reports them, normalized for the caller.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Client is a client for the Apify API.
type Client struct {
	BaseURL    string
	Token      string
	ActorID    string
	HTTPClient *http.Client
}

// NewClient creates a new Apify API client.
func NewClient(baseURL, token, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		ActorID: actorID,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RunInput is the actor input for one search run.
type RunInput struct {
	Topics   []string `json:"topics"`
	Sources  []string `json:"sources"`
	Country  string   `json:"country,omitempty"`
	Language string   `json:"language,omitempty"`
	Brand    string   `json:"brand,omitempty"`
}

// Item is one raw result row from the run's default dataset.
type Item struct {
	Link        string `json:"link"`
	Title       string `json:"title"`
	Domain      string `json:"domain"`
	Snippet     string `json:"snippet"`
	Source      string `json:"source"`
	ChannelName string `json:"channel_name"`
	Rank        int    `json:"rank"`
}

// RunResult is the normalized poll outcome: the run status, the provider's
// error message when it failed, and the dataset items once it succeeded.
type RunResult struct {
	RunID   string
	Status  string
	Message string
	Items   []Item
}

type runEnvelope struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		StatusMessage    string `json:"statusMessage"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// StartRun asks the provider to start one actor run and returns the
// provider-assigned run id. No retries happen here.
func (c *Client) StartRun(ctx context.Context, input RunInput) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run input: %w", err)
	}

	url := fmt.Sprintf("%s/v2/acts/%s/runs", c.BaseURL, c.ActorID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute run request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read run response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorEnvelope
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error.Message != "" {
			log.Printf("level=warn component=apify_client op=start_run status=%d type=%q detail=%q", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
			return "", fmt.Errorf("%w: %s", ErrProviderUnavailable, errResp.Error.Message)
		}
		log.Printf("level=warn component=apify_client op=start_run status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var envelope runEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return "", fmt.Errorf("failed to decode run response: %w", err)
	}
	if envelope.Data.ID == "" {
		return "", fmt.Errorf("%w: run id missing from response", ErrProviderUnavailable)
	}

	return envelope.Data.ID, nil
}

// PollRun reads the current state of a run. It mutates nothing provider-side.
// Dataset items are fetched only once the run has succeeded.
func (c *Client) PollRun(ctx context.Context, runID string) (*RunResult, error) {
	url := fmt.Sprintf("%s/v2/actor-runs/%s", c.BaseURL, runID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute poll request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorEnvelope
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("poll run %s: %s", runID, errResp.Error.Message)
		}
		return nil, fmt.Errorf("poll run %s: status %d", runID, resp.StatusCode)
	}

	var envelope runEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}

	result := &RunResult{
		RunID:   runID,
		Status:  normalizeRunStatus(envelope.Data.Status),
		Message: envelope.Data.StatusMessage,
	}

	if result.Status == RunStatusSucceeded && envelope.Data.DefaultDatasetID != "" {
		items, err := c.listDatasetItems(ctx, envelope.Data.DefaultDatasetID)
		if err != nil {
			return nil, err
		}
		result.Items = items
	}

	return result, nil
}

func (c *Client) listDatasetItems(ctx context.Context, datasetID string) ([]Item, error) {
	url := fmt.Sprintf("%s/v2/datasets/%s/items", c.BaseURL, datasetID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute dataset request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("list dataset %s: status %d", datasetID, resp.StatusCode)
	}

	var items []Item
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode dataset items: %w", err)
	}
	return items, nil
}

// normalizeRunStatus collapses the provider's status vocabulary into the
// three values the state machine reasons about. Anything that is not running
// and not succeeded counts as failed (ABORTED, TIMED-OUT, FAILED).
func normalizeRunStatus(status string) string {
	switch status {
	case "READY", "RUNNING":
		return RunStatusRunning
	case "SUCCEEDED":
		return RunStatusSucceeded
	default:
		return RunStatusFailed
	}
}
