// Package library talks to the upstream content service and turns its
// library updates into notification events.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Update is one library change reported by the content service.
type Update struct {
	EventID    string `json:"event_id"`
	Kind       string `json:"kind"` // "new_chapter" | "series_completed"
	MangaID    string `json:"manga_id"`
	MangaTitle string `json:"manga_title"`
	Chapter    string `json:"chapter,omitempty"`
}

// Client is a thin JSON client for the content service's library API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("library: base url is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// LibraryUpdates fetches pending updates for one account. The credential
// is the token captured at link time.
func (c *Client) LibraryUpdates(ctx context.Context, accountID, credential string) ([]Update, error) {
	u := c.baseURL + "/v1/accounts/" + url.PathEscape(accountID) + "/library/updates"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("library: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("library: fetch updates: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("library: updates for %s: unexpected status %d", accountID, resp.StatusCode)
	}

	var body struct {
		Updates []Update `json:"updates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("library: decode updates: %w", err)
	}
	return body.Updates, nil
}
