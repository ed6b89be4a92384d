// Package probe discovers how many bytes a single advertisement can carry on the local radio.
//
// Radios do not report their advertising limits, so a Prober transmits synthetic frames and
// binary-searches for the largest one the radio accepts.
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/teslamotors/ble-broadcast/internal/log"
	"github.com/teslamotors/ble-broadcast/pkg/connector"
)

const (
	// DefaultBudget is used when the radio cannot be probed.
	DefaultBudget = 31

	DefaultAttemptTimeout = 500 * time.Millisecond
	DefaultDelay          = 50 * time.Millisecond
)

// Range is an inclusive interval of candidate frame sizes.
type Range struct {
	Min int
	Max int
}

var (
	// LegacyRange bounds the search in legacy advertising mode.
	LegacyRange = Range{Min: 20, Max: 31}
	// ExtendedRange bounds the search in extended advertising mode.
	ExtendedRange = Range{Min: 32, Max: 1650}
)

// Config controls a Prober. Zero values select the package defaults, except Delay: a zero Delay
// disables the pause between attempts.
type Config struct {
	CompanyID      uint16
	AttemptTimeout time.Duration
	Delay          time.Duration
	Options        connector.Options
	Legacy         Range
	Extended       Range
	// LegacyOnly skips the extended search even if the transport supports extended framing.
	LegacyOnly bool
}

// DefaultConfig returns the configuration used by the broadcaster unless overridden.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: DefaultAttemptTimeout,
		Delay:          DefaultDelay,
		Options:        connector.DefaultOptions(),
		Legacy:         LegacyRange,
		Extended:       ExtendedRange,
	}
}

// Prober runs frame budget searches against a transport.
type Prober struct {
	transport connector.Transport
	config    Config
}

// New returns a Prober that tests frame sizes using transport.
func New(transport connector.Transport, config Config) *Prober {
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultAttemptTimeout
	}
	if config.Legacy == (Range{}) {
		config.Legacy = LegacyRange
	}
	if config.Extended == (Range{}) {
		config.Extended = ExtendedRange
	}
	return &Prober{transport: transport, config: config}
}

// Probe returns the largest frame size the radio accepts. It may take several seconds and places
// test frames on air, so it must not run while the broadcaster is rotating messages.
//
// Probe never fails. If the medium is disabled it returns DefaultBudget; if no legacy frame size
// succeeds it returns the floor of the legacy range.
func (p *Prober) Probe(ctx context.Context) int {
	if !p.transport.MediumEnabled() {
		log.Warning("Broadcast medium is disabled, assuming frame budget of %d bytes", DefaultBudget)
		return DefaultBudget
	}

	if !p.config.LegacyOnly && p.transport.ExtendedFramingSupported() {
		budget, ok := p.Search(ctx, p.config.Extended, true)
		if ok && budget > LegacyRange.Max {
			log.Info("Frame budget is %d bytes (extended advertising)", budget)
			return budget
		}
		log.Info("Extended advertising probe found no usable frame size, falling back to legacy")
	}

	budget, ok := p.Search(ctx, p.config.Legacy, false)
	if !ok {
		log.Warning("Legacy advertising probe found no usable frame size, using %d bytes", budget)
		return budget
	}
	log.Info("Frame budget is %d bytes (legacy advertising)", budget)
	return budget
}

// Search binary-searches r for the largest frame size that the transport accepts. It returns
// false, along with r.Min, if no size in r succeeded. The search ends early if ctx is canceled.
func (p *Prober) Search(ctx context.Context, r Range, extended bool) (int, bool) {
	low, high := r.Min, r.Max
	best, found := r.Min, false
	first := true
	for low <= high {
		if ctx.Err() != nil {
			break
		}
		if !first && !p.pause(ctx) {
			break
		}
		first = false

		size := low + (high-low)/2
		if p.Attempt(ctx, size, extended) {
			best, found = size, true
			low = size + 1
		} else {
			high = size - 1
		}
	}
	return best, found
}

// Attempt transmits a synthetic frame of size bytes and reports whether the radio accepted it.
// Transport errors and timeouts count as rejection.
func (p *Prober) Attempt(ctx context.Context, size int, extended bool) bool {
	options := p.config.Options
	options.Extended = extended
	frame := connector.Frame{
		CompanyID: p.config.CompanyID,
		Data:      Payload(size),
		Options:   options,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout)
	defer cancel()

	tx, err := p.transport.Transmit(attemptCtx, frame)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Debug("Probe of %d bytes timed out", size)
		} else {
			log.Debug("Probe of %d bytes failed: %s", size, err)
		}
		return false
	}
	if tx == nil {
		return true
	}
	if err := tx.Stop(); err != nil {
		log.Warning("Failed to stop probe transmission of %d bytes: %s", size, err)
	}
	log.Debug("Probe of %d bytes succeeded", size)
	return true
}

func (p *Prober) pause(ctx context.Context) bool {
	if p.config.Delay <= 0 {
		return true
	}
	timer := time.NewTimer(p.config.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Payload returns the synthetic test data used for a probe of size bytes.
func Payload(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 256)
	}
	return b
}
