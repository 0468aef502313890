/**
 * @description
 * This package provides a client for the Firecrawl scrape API, used to enrich
 * discovered affiliate pages with creator details (name, contact email, page
 * summary). Enrichment is strictly best-effort: a failed scrape yields an
 * error the caller records and moves past, never a pipeline failure.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */
package firecrawlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the Firecrawl API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Firecrawl API client. The HTTP timeout is short on
// purpose: enrichment runs inside a bounded budget and one slow page must not
// eat the whole allowance.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// PageDetails is the extracted creator information for one scraped page.
// Empty fields mean the page did not expose that attribute.
type PageDetails struct {
	AuthorName   string `json:"author_name"`
	ContactEmail string `json:"contact_email"`
	Summary      string `json:"summary"`
}

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Extract  PageDetails `json:"extract"`
		Metadata struct {
			Author      string `json:"author"`
			Description string `json:"description"`
		} `json:"metadata"`
	} `json:"data"`
}

// Scrape fetches one page and returns the creator details it exposes.
func (c *Client) Scrape(ctx context.Context, pageURL string) (*PageDetails, error) {
	body, err := json.Marshal(scrapeRequest{URL: pageURL, Formats: []string{"extract"}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scrape request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/scrape", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create scrape request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute scrape request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read scrape response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scrape %s: status %d", pageURL, resp.StatusCode)
	}

	var decoded scrapeResponse
	if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode scrape response: %w", err)
	}
	if !decoded.Success {
		return nil, fmt.Errorf("scrape %s: %s", pageURL, decoded.Error)
	}

	details := decoded.Data.Extract
	// Fall back to page metadata when structured extraction came up empty.
	if details.AuthorName == "" {
		details.AuthorName = decoded.Data.Metadata.Author
	}
	if details.Summary == "" {
		details.Summary = decoded.Data.Metadata.Description
	}
	return &details, nil
}
