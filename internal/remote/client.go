// Package remote talks to the managed backend: the field agent lookup and
// the user/branch stamping of outbound requests.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/waypoint/internal/authstream"
	"github.com/zulandar/waypoint/internal/profile"
)

// ErrAmbiguousMatch is returned when the backend reports more than one field
// agent for a single identity.
var ErrAmbiguousMatch = errors.New("remote: more than one field agent matched")

// DefaultTimeout bounds a lookup when ClientOpts.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is quoted in errors.
const maxErrorBody = 512

// Client performs REST calls against the backend's table API.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // defaults to DefaultTimeout
	HTTPClient *http.Client  // usually authstream.TokenSource.HTTPClient
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("remote: client: base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("remote: client: base url: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		timeout: timeout,
		http:    hc,
	}, nil
}

// fieldAgentRow is the backend's field_agents row.
type fieldAgentRow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	BadgeID   string    `json:"badge_id"`
	Region    string    `json:"region"`
	Notes     *string   `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r fieldAgentRow) toProfile() profile.FieldAgent {
	return profile.FieldAgent{
		ID:        r.ID,
		UserID:    r.UserID,
		BadgeID:   r.BadgeID,
		Region:    r.Region,
		Notes:     r.Notes,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// LookupFieldAgent fetches the field agent row owned by id. It returns nil
// without error when the identity has no row, and ErrAmbiguousMatch when it
// has more than one.
func (c *Client) LookupFieldAgent(ctx context.Context, id authstream.Identity) (*profile.FieldAgent, error) {
	if id.UserID == "" {
		return nil, fmt.Errorf("remote: lookup field agent: identity has no user id")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("user_id", "eq."+id.UserID)
	q.Set("select", "*")
	endpoint := c.baseURL + "/rest/v1/field_agents?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: lookup field agent: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: lookup field agent %s: %w", id.UserID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("remote: lookup field agent %s: %s: %s", id.UserID, resp.Status, strings.TrimSpace(string(body)))
	}

	var rows []fieldAgentRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("remote: lookup field agent %s: decode: %w", id.UserID, err)
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		a := rows[0].toProfile()
		return &a, nil
	default:
		return nil, fmt.Errorf("remote: lookup field agent %s: %d rows: %w", id.UserID, len(rows), ErrAmbiguousMatch)
	}
}
