package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/yairfalse/cloudwatcher/types"
)

// maxErrorBody caps how much of an error response is kept in messages
const maxErrorBody = 512

// GetJSON issues a GET and decodes a 2xx JSON body into out. Failures come
// back classified: 401/403 auth, 429 rate_limit, decode malformed,
// deadline timeout, anything else network.
func GetJSON(ctx context.Context, client *http.Client, p types.Provider, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.NewConnectorError(types.KindInternal, p, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return ClassifyTransport(ctx, p, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ClassifyStatus(p, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ClassifyTransport(ctx, p, err)
		}
		return types.NewConnectorError(types.KindMalformed, p, "decode response", err)
	}
	return nil
}

// ClassifyStatus maps an HTTP status to an error kind
func ClassifyStatus(p types.Provider, status int, body string) error {
	msg := fmt.Sprintf("unexpected status %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewConnectorError(types.KindAuth, p, msg, nil)
	case status == http.StatusTooManyRequests:
		return types.NewConnectorError(types.KindRateLimit, p, msg, nil)
	}
	return types.NewConnectorError(types.KindNetwork, p, msg, nil)
}

// ClassifyTransport maps a client.Do failure to an error kind. Token
// endpoint rejections surface here as oauth2 retrieve errors.
func ClassifyTransport(ctx context.Context, p types.Provider, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewConnectorError(types.KindTimeout, p, "request timed out", err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode == http.StatusTooManyRequests {
			return types.NewConnectorError(types.KindRateLimit, p, "token request throttled", err)
		}
		return types.NewConnectorError(types.KindAuth, p, "token request rejected", err)
	}

	return types.NewConnectorError(types.KindNetwork, p, "request failed", err)
}
