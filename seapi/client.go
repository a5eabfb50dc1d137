// Package seapi contains a minimal client for the upstream activity source's
// REST API, used by the polling fallback when the realtime socket is down.
package seapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// DefaultBaseURL is the production API endpoint of the activity source.
const DefaultBaseURL = "https://api.streamelements.com/kappa/v2"

// ErrUnauthorized is returned when the source rejects the stored channel
// token (HTTP 401). Callers treat it as a credential failure, not a transient
// error.
var ErrUnauthorized = errors.New("seapi: unauthorized")

// Client calls the activity source REST API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

// UpstreamActivity is one item from the activities endpoint. Data is kept
// opaque; the relay only needs the id, type, and creation time.
type UpstreamActivity struct {
	ID        string          `json:"_id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// ActivitiesQuery narrows the activities listing.
type ActivitiesQuery struct {
	After  time.Time
	Before time.Time
	Limit  int
	Types  []string
	// Minimum amounts for value-carrying activity types; zero means no filter.
	MinTip   float64
	MinCheer int
}

// Activities lists a channel's activities within a time window.
func (c *Client) Activities(ctx context.Context, channelID, token string, q ActivitiesQuery) ([]UpstreamActivity, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/activities/%s", c.base(), channelID), nil)
	if err != nil {
		return nil, err
	}
	qs := req.URL.Query()
	if !q.After.IsZero() {
		qs.Set("after", q.After.UTC().Format(time.RFC3339))
	}
	if !q.Before.IsZero() {
		qs.Set("before", q.Before.UTC().Format(time.RFC3339))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	qs.Set("limit", strconv.Itoa(limit))
	for _, t := range q.Types {
		qs.Add("types", t)
	}
	if q.MinTip > 0 {
		qs.Set("mintip", strconv.FormatFloat(q.MinTip, 'f', -1, 64))
	}
	if q.MinCheer > 0 {
		qs.Set("mincheer", strconv.Itoa(q.MinCheer))
	}
	req.URL.RawQuery = qs.Encode()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("activities request: unexpected status %d", resp.StatusCode)
	}
	var out []UpstreamActivity
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
