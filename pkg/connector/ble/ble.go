// Package ble implements connector.Transport on top of a host Bluetooth LE controller.
//
// The controller exposes a single legacy advertising set, so at most one frame is on air at a
// time and extended advertising is unavailable.
package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"

	"github.com/teslamotors/ble-broadcast/internal/log"
	"github.com/teslamotors/ble-broadcast/pkg/connector"
	"github.com/teslamotors/ble-broadcast/pkg/protocol"
)

var (
	ErrAdapterInvalidID = protocol.NewError("the bluetooth adapter ID is invalid", false, false)
)

const (
	// DefaultSettleTime is how long an advertisement must run without error before it is
	// considered to be on air. The controller reports rejected advertisements immediately but
	// never confirms accepted ones.
	DefaultSettleTime = 50 * time.Millisecond

	companyIDLength = 2
)

// Config controls how the adapter is opened. Advertising parameters apply to every frame and
// cannot be changed per transmission.
type Config struct {
	// AdapterID selects the controller, for example "hci1". Empty selects the default.
	AdapterID   string
	Mode        connector.AdvertiseMode
	Connectable bool
	SettleTime  time.Duration
}

// ParseAdapterID converts "hciN" or "N" to a device index. An empty id selects index 0.
func ParseAdapterID(id string) (int, error) {
	if id == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(id), "hci"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: '%s'", ErrAdapterInvalidID, id)
	}
	return n, nil
}

// Transport broadcasts frames as manufacturer-specific advertisements.
type Transport struct {
	device     Device
	settleTime time.Duration

	lock    sync.Mutex
	current *transmission
	closed  bool
}

// Open initializes the host controller.
func Open(config Config) (*Transport, error) {
	device, err := newDevice(config)
	if err != nil {
		return nil, err
	}
	log.Debug("Opened BLE adapter")
	return NewTransport(device, config.SettleTime), nil
}

// NewTransport wraps an initialized device.
func NewTransport(device Device, settleTime time.Duration) *Transport {
	if settleTime <= 0 {
		settleTime = DefaultSettleTime
	}
	return &Transport{device: device, settleTime: settleTime}
}

type transmission struct {
	transport *Transport
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

// Stop cancels the advertisement and waits for the controller to take it off air.
func (t *transmission) Stop() error {
	t.once.Do(func() {
		t.cancel()
		<-t.done
		t.transport.lock.Lock()
		if t.transport.current == t {
			t.transport.current = nil
		}
		t.transport.lock.Unlock()
	})
	return nil
}

// Transmit implements connector.Transport.
func (t *Transport) Transmit(ctx context.Context, frame connector.Frame) (connector.Transmission, error) {
	if frame.Options.Extended {
		return nil, protocol.ErrExtendedUnsupported
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, protocol.ErrTransportUnavailable
	}
	if t.current != nil {
		t.lock.Unlock()
		return nil, protocol.ErrAdvertiserBusy
	}
	advCtx, cancel := context.WithCancel(context.Background())
	tx := &transmission{transport: t, cancel: cancel, done: make(chan struct{})}
	t.current = tx
	t.lock.Unlock()

	data := append([]byte(nil), frame.Data...)
	result := make(chan error, 1)
	go func() {
		defer close(tx.done)
		err := t.device.AdvertiseMfgData(advCtx, frame.CompanyID, data)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		result <- err
	}()

	timer := time.NewTimer(t.settleTime)
	defer timer.Stop()
	select {
	case err := <-result:
		tx.Stop()
		if err == nil {
			err = errors.New("advertisement ended unexpectedly")
		}
		return nil, fmt.Errorf("%w: %s", protocol.ErrTransmissionFailed, err)
	case <-timer.C:
		log.Debug("BLE TX: %02x", data)
		return tx, nil
	case <-ctx.Done():
		tx.Stop()
		return nil, fmt.Errorf("%w: %w", protocol.ErrTransmissionTimeout, ctx.Err())
	}
}

// Scan implements connector.Transport.
func (t *Transport) Scan(ctx context.Context, companyID uint16, handler func(connector.Advertisement)) error {
	t.lock.Lock()
	closed := t.closed
	t.lock.Unlock()
	if closed {
		return protocol.ErrTransportUnavailable
	}

	fn := func(a ble.Advertisement) {
		data := a.ManufacturerData()
		if len(data) < companyIDLength || binary.LittleEndian.Uint16(data) != companyID {
			return
		}
		handler(connector.Advertisement{
			Sender:    a.Addr().String(),
			CompanyID: companyID,
			Data:      append([]byte(nil), data[companyIDLength:]...),
			RSSI:      a.RSSI(),
		})
	}
	// Duplicates are required: a held frame or a rotation that has wrapped around repeats
	// advertisements that a receiver still needs.
	err := t.device.Scan(ctx, true, fn)
	if ctx.Err() != nil {
		// device.Scan returns an error on MacOS even when ctx was canceled on purpose.
		return ctx.Err()
	}
	return err
}

// ExtendedFramingSupported implements connector.Transport.
func (t *Transport) ExtendedFramingSupported() bool {
	return false
}

// MediumEnabled implements connector.Transport. The host stack does not report adapter power
// state, so an open adapter is assumed to be powered.
func (t *Transport) MediumEnabled() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return !t.closed
}

// Close stops any advertisement and releases the adapter.
func (t *Transport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	current := t.current
	t.lock.Unlock()

	if current != nil {
		current.Stop()
	}
	if err := t.device.Stop(); err != nil {
		return fmt.Errorf("ble: failed to stop device: %s", err)
	}
	log.Debug("Closed BLE adapter")
	return nil
}
