// Package connector defines the contract between the broadcaster and the radio that puts frames
// on air.
package connector

//go:generate mockgen -source connector.go -destination ../../mocks/connector.go -package mocks -mock_names Transport=Transport,Transmission=Transmission,PowerNotifier=PowerNotifier

import (
	"context"
	"fmt"
	"strings"
)

// AdvertiseMode trades advertising interval against power consumption.
type AdvertiseMode int

const (
	// ModeLowPower advertises with the longest interval.
	ModeLowPower AdvertiseMode = iota
	// ModeBalanced advertises at a medium interval.
	ModeBalanced
	// ModeLowLatency advertises with the shortest interval.
	ModeLowLatency
)

var modeNames = map[string]AdvertiseMode{
	"low_power":   ModeLowPower,
	"balanced":    ModeBalanced,
	"low_latency": ModeLowLatency,
}

func (m AdvertiseMode) String() string {
	for name, mode := range modeNames {
		if mode == m {
			return name
		}
	}
	return fmt.Sprintf("AdvertiseMode(%d)", int(m))
}

// ParseAdvertiseMode accepts the names returned by [AdvertiseMode.String].
func ParseAdvertiseMode(name string) (AdvertiseMode, error) {
	if m, ok := modeNames[strings.ToLower(name)]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("unrecognized advertise mode '%s'", name)
}

// TxPower selects the transmit power level.
type TxPower int

const (
	TxPowerUltraLow TxPower = iota
	TxPowerLow
	TxPowerMedium
	TxPowerHigh
)

var txPowerNames = map[string]TxPower{
	"ultra_low": TxPowerUltraLow,
	"low":       TxPowerLow,
	"medium":    TxPowerMedium,
	"high":      TxPowerHigh,
}

func (p TxPower) String() string {
	for name, power := range txPowerNames {
		if power == p {
			return name
		}
	}
	return fmt.Sprintf("TxPower(%d)", int(p))
}

// ParseTxPower accepts the names returned by [TxPower.String].
func ParseTxPower(name string) (TxPower, error) {
	if p, ok := txPowerNames[strings.ToLower(name)]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("unrecognized tx power level '%s'", name)
}

// Options tune how a frame is advertised. Transports ignore options they cannot honor, except
// Extended: a transport that cannot advertise extended frames rejects them.
type Options struct {
	Mode              AdvertiseMode
	TxPower           TxPower
	Connectable       bool
	Extended          bool
	LongRange         bool
	IncludeDeviceName bool
}

// DefaultOptions returns the options used when the caller supplies none.
func DefaultOptions() Options {
	return Options{Mode: ModeLowLatency, TxPower: TxPowerHigh}
}

// Frame is a single manufacturer-specific advertisement.
type Frame struct {
	CompanyID uint16
	Data      []byte
	Options   Options
}

// Transmission is a frame that is currently on air.
type Transmission interface {
	// Stop takes the frame off air. Calling Stop more than once is harmless.
	Stop() error
}

// Advertisement is a manufacturer-specific frame observed while scanning. Data excludes the
// company identifier.
type Advertisement struct {
	Sender    string
	CompanyID uint16
	Data      []byte
	RSSI      int
	Extended  bool
}

// Transport broadcasts and observes frames on a shared medium.
//
// Implementations must be thread safe.
type Transport interface {
	// Transmit starts advertising frame and returns once the radio confirms that the frame is on
	// air, or reports why it is not. The frame stays on air until the returned Transmission is
	// stopped; ctx bounds only the wait for confirmation.
	//
	// If ctx expires before the radio answers, Transmit returns an error that wraps
	// protocol.ErrTransmissionTimeout. In that case the frame may go on air anyway, and the
	// transport is responsible for taking it back off.
	Transmit(ctx context.Context, frame Frame) (Transmission, error)

	// Scan delivers advertisements carrying companyID to handler until ctx is canceled. The
	// handler may be invoked from a transport-owned goroutine and must not block.
	Scan(ctx context.Context, companyID uint16, handler func(Advertisement)) error

	// ExtendedFramingSupported returns true if frames larger than the legacy advertising limit
	// can be requested with Options.Extended.
	ExtendedFramingSupported() bool

	// MediumEnabled returns true if the radio is powered on.
	MediumEnabled() bool

	// Close releases the radio. Repeated calls to Close must be idempotent.
	Close() error
}

// PowerNotifier is implemented by transports that can report when the radio is switched on or
// off. The channel receives true when the medium becomes enabled and false when it is disabled.
type PowerNotifier interface {
	PowerEvents() <-chan bool
}
