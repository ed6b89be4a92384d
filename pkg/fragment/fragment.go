// Package fragment defines the wire format used to spread a payload across several broadcast
// frames.
//
// Every fragment starts with a three byte header followed by a slice of the payload:
//
//	[total count (1)][index (1)][message id (1)][data ...]
//
// All fragments of one message share the same total count and message id. The message id is
// chosen at random when the payload is split; it disambiguates messages that are in flight at the
// same time, but it is only eight bits wide and collisions are possible.
//
// A payload that fits in a single frame is sent as one fragment with a total count of 1, so that
// its first bytes are never mistaken for a header. Frames too short to hold a header, or with a
// total count of 0, are treated as raw payloads from senders that do not fragment.
package fragment

import (
	"crypto/rand"
	"fmt"

	"github.com/teslamotors/ble-broadcast/pkg/protocol"
)

const (
	// HeaderSize is the number of bytes each fragment spends on its header.
	HeaderSize = 3
	// MaxFragments is the largest total count the header can express.
	MaxFragments = 255
	// MinFrameBudget is the smallest budget that leaves room for at least one data byte.
	MinFrameBudget = HeaderSize + 1
)

// Fragment is one piece of a split message.
type Fragment struct {
	TotalCount uint8
	Index      uint8
	MessageID  uint8
	Data       []byte
}

// Encode returns the on-air representation of f.
func (f *Fragment) Encode() []byte {
	out := make([]byte, 0, HeaderSize+len(f.Data))
	out = append(out, f.TotalCount, f.Index, f.MessageID)
	return append(out, f.Data...)
}

// Header is the decoded fragment header of a received frame.
type Header struct {
	TotalCount uint8
	Index      uint8
	MessageID  uint8
	DataOffset int
}

// Fragmented returns true if the header describes a piece of a larger message rather than a
// complete, unfragmented frame.
func (h Header) Fragmented() bool {
	return h.TotalCount > 1 && h.Index < h.TotalCount
}

// Single returns true if the frame carries a whole message after its header.
func (h Header) Single() bool {
	return h.TotalCount == 1
}

// ParseHeader decodes the fragment header at the start of frame. It returns false if the frame is
// too short to contain a header.
func ParseHeader(frame []byte) (Header, bool) {
	if len(frame) < HeaderSize {
		return Header{}, false
	}
	return Header{
		TotalCount: frame[0],
		Index:      frame[1],
		MessageID:  frame[2],
		DataOffset: HeaderSize,
	}, true
}

// DataPerFragment returns how many payload bytes fit in a frame of frameBudget bytes.
func DataPerFragment(frameBudget int) (int, error) {
	n := frameBudget - HeaderSize
	if n <= 0 {
		return 0, fmt.Errorf("%w: budget %d, header %d", protocol.ErrPayloadTooSmallBudget, frameBudget, HeaderSize)
	}
	return n, nil
}

// Count returns the number of fragments Split would produce for a payload of payloadLen bytes.
func Count(payloadLen, frameBudget int) (int, error) {
	perFragment, err := DataPerFragment(frameBudget)
	if err != nil {
		return 0, err
	}
	total := (payloadLen + perFragment - 1) / perFragment
	if total > MaxFragments {
		return 0, fmt.Errorf("%w: %d bytes at %d bytes per fragment needs %d", protocol.ErrTooManyFragments, payloadLen, perFragment, total)
	}
	return total, nil
}

// NewMessageID draws a random message id.
func NewMessageID() (uint8, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Split divides payload into consecutive fragments that each fit in frameBudget bytes. A single
// random message id is shared by every fragment.
func Split(payload []byte, frameBudget int) ([]Fragment, error) {
	id, err := NewMessageID()
	if err != nil {
		return nil, err
	}
	return SplitWithID(payload, frameBudget, id)
}

// SplitWithID is Split with a caller-chosen message id.
func SplitWithID(payload []byte, frameBudget int, messageID uint8) ([]Fragment, error) {
	perFragment, err := DataPerFragment(frameBudget)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, protocol.ErrEmptyPayload
	}
	total, err := Count(len(payload), frameBudget)
	if err != nil {
		return nil, err
	}

	fragments := make([]Fragment, total)
	for i := range fragments {
		start := i * perFragment
		end := min(start+perFragment, len(payload))
		fragments[i] = Fragment{
			TotalCount: uint8(total),
			Index:      uint8(i),
			MessageID:  messageID,
			Data:       payload[start:end],
		}
	}
	return fragments, nil
}
