package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when an entity or subordinate does not exist.
var ErrNotFound = errors.New("federation entity not found")

// WellKnownPath is where every entity publishes its entity configuration.
const WellKnownPath = "/.well-known/openid-federation"

// Client is a lightweight HTTP client for federation endpoints.
type Client struct {
	http *http.Client
}

// NewClient creates a Client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// FetchEntityConfiguration downloads the raw entity configuration of entityID.
func (c *Client) FetchEntityConfiguration(ctx context.Context, entityID string) (string, error) {
	return c.get(ctx, strings.TrimRight(entityID, "/")+WellKnownPath)
}

// FetchSubordinateStatement asks a superior's fetch endpoint for the
// statement it issues about sub.
func (c *Client) FetchSubordinateStatement(ctx context.Context, fetchEndpoint, sub string) (string, error) {
	u, err := url.Parse(fetchEndpoint)
	if err != nil {
		return "", fmt.Errorf("build fetch URL: %w", err)
	}
	q := u.Query()
	q.Set("sub", sub)
	u.RawQuery = q.Encode()
	return c.get(ctx, u.String())
}

func (c *Client) get(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build federation request: %w", err)
	}
	req.Header.Set("Accept", "application/"+EntityStatementType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("federation request to %s: %w", target, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("federation endpoint %s returned status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read federation response: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
