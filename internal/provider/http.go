package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/site-enrich/internal/resilience"
)

const maxResponseBytes = 8 << 20

type httpBase struct {
	client    *http.Client
	userAgent string
}

// do sends req and returns the body of a 2xx response. Failures come back
// as classified *resilience.ProviderError values.
func (b httpBase) do(ctx context.Context, provider string, req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", b.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, resilience.Timeout(provider, err)
		}
		if resilience.IsTransient(err) {
			return nil, resilience.Transient(provider, err, 0)
		}
		return nil, resilience.Permanent(provider, err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, resilience.Timeout(provider, err)
		}
		return nil, resilience.Transient(provider, eris.Wrap(err, "read response"), resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resilience.FromHTTPStatus(provider, resp.StatusCode, string(body))
	}
	return body, nil
}

func (b httpBase) get(ctx context.Context, provider, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.Permanent(provider, eris.Wrap(err, "create request"), 0)
	}
	return b.do(ctx, provider, req)
}

func (b httpBase) post(ctx context.Context, provider, rawURL, contentType, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(provider, eris.Wrap(err, "create request"), 0)
	}
	req.Header.Set("Content-Type", contentType)
	return b.do(ctx, provider, req)
}

func decodeErr(provider string, err error) error {
	return resilience.Permanent(provider, eris.Wrap(err, "decode response"), 0)
}

func requirePoint(spec Spec, req Request) error {
	if req.Point == nil {
		return resilience.Permanent(spec.Key, eris.New("coordinates required"), 0)
	}
	return nil
}
