// Package sim provides an in-memory broadcast medium for tests and demonstrations.
//
// Radios attached to the same Medium hear each other's advertisements. Each Radio enforces the
// limits a real controller would: a maximum frame size per advertising mode, a fixed number of
// advertiser instances, and a power switch.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/teslamotors/ble-broadcast/internal/log"
	"github.com/teslamotors/ble-broadcast/pkg/connector"
	"github.com/teslamotors/ble-broadcast/pkg/protocol"
)

const (
	// DefaultLegacyLimit is the manufacturer data left in a 31 byte legacy advertisement after the
	// flags structure and the manufacturer data length, type and company id.
	DefaultLegacyLimit = 24
	DefaultInstances   = 4
	DefaultRSSI        = -60

	powerEventBuffer = 8
)

// Medium connects radios.
type Medium struct {
	lock     sync.Mutex
	radios   []*Radio
	lossRate float64
	rng      *rand.Rand
}

// NewMedium returns an empty Medium that delivers every advertisement.
func NewMedium() *Medium {
	return &Medium{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// SetLossRate makes the medium drop each delivery of an advertisement with probability rate.
func (m *Medium) SetLossRate(rate float64, seed int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.lossRate = rate
	m.rng = rand.New(rand.NewSource(seed))
}

func (m *Medium) drop() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.lossRate > 0 && m.rng.Float64() < m.lossRate
}

func (m *Medium) attach(r *Radio) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.radios = append(m.radios, r)
}

func (m *Medium) detach(r *Radio) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, radio := range m.radios {
		if radio == r {
			m.radios = append(m.radios[:i], m.radios[i+1:]...)
			return
		}
	}
}

func (m *Medium) peers(r *Radio) []*Radio {
	m.lock.Lock()
	defer m.lock.Unlock()
	peers := make([]*Radio, 0, len(m.radios))
	for _, radio := range m.radios {
		if radio != r {
			peers = append(peers, radio)
		}
	}
	return peers
}

// RadioConfig describes a simulated controller. Zero values select defaults, except
// ExtendedLimit: a radio with no extended limit does not support extended advertising.
type RadioConfig struct {
	Address       string
	LegacyLimit   int
	ExtendedLimit int
	Instances     int
	RSSI          int
	// Latency delays confirmation of each transmission.
	Latency time.Duration
}

type scanner struct {
	companyID uint16
	handler   func(connector.Advertisement)
}

// Radio is a simulated controller. It implements connector.Transport and connector.PowerNotifier.
type Radio struct {
	medium *Medium
	config RadioConfig
	events chan bool

	lock     sync.Mutex
	enabled  bool
	closed   bool
	active   map[*transmission]struct{}
	scanners map[*scanner]struct{}
	txLog    []connector.Frame
}

// NewRadio attaches a powered-on radio to m.
func (m *Medium) NewRadio(config RadioConfig) *Radio {
	if config.LegacyLimit <= 0 {
		config.LegacyLimit = DefaultLegacyLimit
	}
	if config.Instances <= 0 {
		config.Instances = DefaultInstances
	}
	if config.RSSI == 0 {
		config.RSSI = DefaultRSSI
	}
	if config.Address == "" {
		m.lock.Lock()
		config.Address = fmt.Sprintf("02:00:00:00:%02X:%02X", m.rng.Intn(256), m.rng.Intn(256))
		m.lock.Unlock()
	}
	r := &Radio{
		medium:   m,
		config:   config,
		events:   make(chan bool, powerEventBuffer),
		enabled:  true,
		active:   make(map[*transmission]struct{}),
		scanners: make(map[*scanner]struct{}),
	}
	m.attach(r)
	return r
}

// Address identifies the radio to scanners.
func (r *Radio) Address() string {
	return r.config.Address
}

type transmission struct {
	radio *Radio
	frame connector.Frame
}

func (t *transmission) Stop() error {
	t.radio.lock.Lock()
	defer t.radio.lock.Unlock()
	delete(t.radio.active, t)
	return nil
}

func (r *Radio) check(frame connector.Frame) error {
	if frame.Options.Extended {
		if r.config.ExtendedLimit <= 0 {
			return protocol.ErrExtendedUnsupported
		}
		if len(frame.Data) > r.config.ExtendedLimit {
			return fmt.Errorf("%w: %d bytes exceeds %d", protocol.ErrDataTooLarge, len(frame.Data), r.config.ExtendedLimit)
		}
		return nil
	}
	if len(frame.Data) > r.config.LegacyLimit {
		return fmt.Errorf("%w: %d bytes exceeds %d", protocol.ErrDataTooLarge, len(frame.Data), r.config.LegacyLimit)
	}
	return nil
}

// Transmit implements connector.Transport.
func (r *Radio) Transmit(ctx context.Context, frame connector.Frame) (connector.Transmission, error) {
	frame.Data = append([]byte(nil), frame.Data...)
	if r.config.Latency > 0 {
		timer := time.NewTimer(r.config.Latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", protocol.ErrTransmissionTimeout, ctx.Err())
		}
	}

	r.lock.Lock()
	switch {
	case r.closed:
		r.lock.Unlock()
		return nil, protocol.ErrTransportUnavailable
	case !r.enabled:
		r.lock.Unlock()
		return nil, protocol.ErrMediumDisabled
	}
	if err := r.check(frame); err != nil {
		r.lock.Unlock()
		return nil, err
	}
	if len(r.active) >= r.config.Instances {
		r.lock.Unlock()
		return nil, protocol.ErrAdvertiserBusy
	}
	tx := &transmission{radio: r, frame: frame}
	r.active[tx] = struct{}{}
	r.txLog = append(r.txLog, frame)
	r.lock.Unlock()

	for _, peer := range r.medium.peers(r) {
		peer.hear(r, frame, nil)
	}
	return tx, nil
}

// hear delivers an advertisement from sender to only, or to every scanner listening on r if only
// is nil.
func (r *Radio) hear(sender *Radio, frame connector.Frame, only *scanner) {
	r.lock.Lock()
	if !r.enabled || r.closed {
		r.lock.Unlock()
		return
	}
	var handlers []func(connector.Advertisement)
	for s := range r.scanners {
		if only != nil && s != only {
			continue
		}
		if s.companyID == frame.CompanyID {
			handlers = append(handlers, s.handler)
		}
	}
	r.lock.Unlock()

	for _, handler := range handlers {
		if r.medium.drop() {
			log.Debug("sim: dropped %d byte advertisement from %s", len(frame.Data), sender.Address())
			continue
		}
		handler(connector.Advertisement{
			Sender:    sender.Address(),
			CompanyID: frame.CompanyID,
			Data:      append([]byte(nil), frame.Data...),
			RSSI:      sender.config.RSSI,
			Extended:  frame.Options.Extended,
		})
	}
}

// onAir returns the frames r is currently advertising.
func (r *Radio) onAir() []connector.Frame {
	r.lock.Lock()
	defer r.lock.Unlock()
	frames := make([]connector.Frame, 0, len(r.active))
	for tx := range r.active {
		frames = append(frames, tx.frame)
	}
	return frames
}

// Scan implements connector.Transport. Advertisements already on air when the scan starts are
// delivered immediately.
func (r *Radio) Scan(ctx context.Context, companyID uint16, handler func(connector.Advertisement)) error {
	s := &scanner{companyID: companyID, handler: handler}
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return protocol.ErrTransportUnavailable
	}
	r.scanners[s] = struct{}{}
	r.lock.Unlock()

	defer func() {
		r.lock.Lock()
		delete(r.scanners, s)
		r.lock.Unlock()
	}()

	for _, peer := range r.medium.peers(r) {
		for _, frame := range peer.onAir() {
			r.hear(peer, frame, s)
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

// ExtendedFramingSupported implements connector.Transport.
func (r *Radio) ExtendedFramingSupported() bool {
	return r.config.ExtendedLimit > 0
}

// MediumEnabled implements connector.Transport.
func (r *Radio) MediumEnabled() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.enabled && !r.closed
}

// PowerEvents implements connector.PowerNotifier.
func (r *Radio) PowerEvents() <-chan bool {
	return r.events
}

// SetEnabled switches the radio on or off. Switching it off takes every frame off air.
func (r *Radio) SetEnabled(enabled bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed || r.enabled == enabled {
		return
	}
	r.enabled = enabled
	if !enabled {
		clear(r.active)
	}
	select {
	case r.events <- enabled:
	default:
		log.Warning("sim: dropped power event for %s", r.config.Address)
	}
}

// Transmitted returns every frame the radio has accepted, oldest first.
func (r *Radio) Transmitted() []connector.Frame {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]connector.Frame(nil), r.txLog...)
}

// Active returns the number of advertiser instances in use.
func (r *Radio) Active() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.active)
}

// Close implements connector.Transport.
func (r *Radio) Close() error {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil
	}
	r.closed = true
	clear(r.active)
	r.lock.Unlock()
	r.medium.detach(r)
	return nil
}
