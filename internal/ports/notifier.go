package ports

import (
	"context"

	"activeconfig/internal/types"
)

// Notifier receives "entry changed" events raised by batch sync.
type Notifier interface {
	Notify(ctx context.Context, ev types.ChangeEvent) error
}
