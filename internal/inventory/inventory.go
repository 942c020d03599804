// Package inventory enumerates the currently attached USB devices.
// The reconciliation loop treats the source as a black box returning a
// point-in-time snapshot keyed by stable device ID.
package inventory

import (
	"context"

	"github.com/martinsuchenak/usbtrackd/internal/model"
)

// Source returns the set of attached devices. An error is a hard
// enumeration failure; at startup it is fatal, mid-run the tick is
// skipped.
type Source interface {
	Query(ctx context.Context) (map[string]model.DeviceRecord, error)
}
