package ports

import "context"

// Transport is the HTTP plumbing used by the server client and the blob loader.
// Errors MUST join types.ErrTransport, and also types.ErrConnect for connection-level failures.
type Transport interface {
	FetchText(ctx context.Context, url string) (string, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
	PostForm(ctx context.Context, url string, body string) (string, error)
}
