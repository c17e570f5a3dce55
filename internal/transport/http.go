// Package transport is the HTTP plumbing under the server client and the blob loader.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"activeconfig/internal/ports"
	"activeconfig/internal/types"
)

// MaxBodyBytes caps any response body, image payloads included.
const MaxBodyBytes = 16 << 20

// HTTP implements ports.Transport. It is stateless apart from the underlying client's
// connection pool.
type HTTP struct {
	cli     *http.Client
	maxBody int64
}

var _ ports.Transport = (*HTTP)(nil)

func NewHTTP(timeout time.Duration) *HTTP {
	return NewHTTPWithClient(&http.Client{Timeout: timeout}, MaxBodyBytes)
}

// NewHTTPWithClient wraps an existing client. A body longer than maxBody is an error;
// maxBody <= 0 means MaxBodyBytes.
func NewHTTPWithClient(cli *http.Client, maxBody int64) *HTTP {
	if maxBody <= 0 {
		maxBody = MaxBodyBytes
	}
	return &HTTP{cli: cli, maxBody: maxBody}
}

func (h *HTTP) FetchText(ctx context.Context, url string) (string, error) {
	b, err := h.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *HTTP) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return h.do(ctx, http.MethodGet, url, "", nil)
}

func (h *HTTP) PostForm(ctx context.Context, url string, body string) (string, error) {
	b, err := h.do(ctx, http.MethodPost, url, "application/x-www-form-urlencoded", strings.NewReader(body))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *HTTP) do(ctx context.Context, method, url, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, types.Err(types.ErrTransport, err, "")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.cli.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, types.Err(types.ErrTransport, nil, "%s %s: status %d", method, url, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, classify(err)
	}
	// A cut-off body is never handed out, the caller would cache it as complete.
	if int64(len(b)) > h.maxBody {
		return nil, types.Err(types.ErrTransport, nil, "%s %s: body exceeds %d bytes", method, url, h.maxBody)
	}
	return b, nil
}

// classify joins ErrTransport with the cause, and ErrConnect when no connection was established.
func classify(err error) error {
	if IsConnectFailure(err) {
		return errors.Join(types.ErrTransport, types.ErrConnect, err)
	}
	return errors.Join(types.ErrTransport, err)
}

// IsConnectFailure reports dial, DNS and connection-refused errors.
func IsConnectFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

