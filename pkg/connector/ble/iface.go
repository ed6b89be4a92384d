package ble

import (
	"context"

	"github.com/go-ble/ble"
)

// Device is the subset of ble.Device used to broadcast and observe manufacturer data.
//
// AdvertiseMfgData must block until ctx is canceled, returning early only if the controller
// rejects the advertisement.
type Device interface {
	AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Stop() error
}
