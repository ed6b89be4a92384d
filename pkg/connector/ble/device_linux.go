package ble

import (
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"

	"github.com/teslamotors/ble-broadcast/pkg/connector"
)

var scanParams = cmd.LESetScanParameters{
	LEScanType:           0,    // Passive scanning
	LEScanInterval:       0x10, // 10ms
	LEScanWindow:         0x10, // 10ms
	OwnAddressType:       0,    // Static
	ScanningFilterPolicy: 0,    // Accept all advertisements
}

// advertisingIntervals are in units of 0.625ms.
var advertisingIntervals = map[connector.AdvertiseMode]uint16{
	connector.ModeLowPower:   0x0640, // 1s
	connector.ModeBalanced:   0x0190, // 250ms
	connector.ModeLowLatency: 0x00A0, // 100ms
}

func advertisingParams(config Config) cmd.LESetAdvertisingParameters {
	interval, ok := advertisingIntervals[config.Mode]
	if !ok {
		interval = advertisingIntervals[connector.ModeLowLatency]
	}
	advType := uint8(0x03) // ADV_NONCONN_IND
	if config.Connectable {
		advType = 0x00 // ADV_IND
	}
	return cmd.LESetAdvertisingParameters{
		AdvertisingIntervalMin:  interval,
		AdvertisingIntervalMax:  interval,
		AdvertisingType:         advType,
		OwnAddressType:          0,
		AdvertisingChannelMap:   0x7, // All three advertising channels
		AdvertisingFilterPolicy: 0,
	}
}

// IsAdapterError returns true if err indicates the host controller could not be opened.
func IsAdapterError(err error) bool {
	return strings.Contains(err.Error(), "hci") || strings.Contains(err.Error(), "operation not permitted")
}

func AdapterErrorHelpMessage(err error) string {
	return "Failed to initialize BLE adapter: \n\t" + err.Error() + "\n" +
		"Make sure the adapter is present and not claimed by bluetoothd, and that this application has CAP_NET_ADMIN."
}

func newDevice(config Config) (ble.Device, error) {
	id, err := ParseAdapterID(config.AdapterID)
	if err != nil {
		return nil, err
	}
	device, err := linux.NewDevice(ble.OptDeviceID(id), ble.OptScanParams(scanParams), ble.OptAdvParams(advertisingParams(config)))
	if err != nil {
		return nil, err
	}
	return device, nil
}
