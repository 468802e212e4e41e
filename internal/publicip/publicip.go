// Package publicip discovers the operator's public IPv4 address.
package publicip

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultURL answers with the caller's address as plain text.
const DefaultURL = "https://checkip.amazonaws.com"

var ErrInvalidAddress = fmt.Errorf("lookup returned an invalid IPv4 address")

// Resolver fetches the address from a plain-text echo service.
type Resolver struct {
	URL    string
	client *retryablehttp.Client
}

// New returns a Resolver for url with bounded retries.
func New(url string, logger *zap.Logger) *Resolver {
	if url == "" {
		url = DefaultURL
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil
	if logger != nil {
		client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				logger.Warn("Retrying public address lookup",
					zap.String("url", req.URL.String()),
					zap.Int("attempt", attempt))
			}
		}
	}

	return &Resolver{URL: url, client: client}
}

// Lookup returns the public IPv4 address seen by the echo service.
func (r *Resolver) Lookup(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to look up public address: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public address lookup returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("failed to read lookup response: %w", err)
	}

	addr := strings.TrimSpace(string(body))
	if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return addr, nil
}
