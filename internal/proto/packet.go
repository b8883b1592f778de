package proto

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"
)

// Tag identifies a packet type on the wire. Tags occupy exactly one byte so
// the framing overhead of a pose update stays minimal.
type Tag byte

const (
	TagSnapshot Tag = iota + 1
	TagEntityAdded
	TagEntityModified
	TagEntityRemoved
	TagEntityEvent
	TagBlueprintAdded
	TagBlueprintModified
	TagChatAdded
	TagPlayerTeleport
	TagPing
	TagPong

	tagEnd
)

var tagNames = map[Tag]string{
	TagSnapshot:          "snapshot",
	TagEntityAdded:       "entityAdded",
	TagEntityModified:    "entityModified",
	TagEntityRemoved:     "entityRemoved",
	TagEntityEvent:       "entityEvent",
	TagBlueprintAdded:    "blueprintAdded",
	TagBlueprintModified: "blueprintModified",
	TagChatAdded:         "chatAdded",
	TagPlayerTeleport:    "playerTeleport",
	TagPing:              "ping",
	TagPong:              "pong",
}

// ErrMalformed reports a packet that could not be decoded. Receivers close
// the connection after repeated malformed packets within a bounded window.
var ErrMalformed = eris.New("malformed packet")

// String returns the wire name for the tag, or "unknown".
func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether the tag belongs to the closed packet set.
func (t Tag) Valid() bool {
	return t >= TagSnapshot && t < tagEnd
}

// Encode frames a packet: one tag byte followed by the msgpack-encoded
// payload tree. A nil payload encodes as msgpack nil so ping/pong packets
// stay two bytes long.
func Encode(tag Tag, payload any) ([]byte, error) {
	if !tag.Valid() {
		return nil, eris.Wrapf(ErrMalformed, "encode: invalid tag %d", tag)
	}
	body, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "encode %s payload", tag)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(tag)
	copy(out[1:], body)
	return out, nil
}

// Decode splits a framed packet into its tag and raw payload bytes. The
// payload is unmarshalled separately so dispatch can pick the concrete
// payload type by tag.
func Decode(data []byte) (Tag, []byte, error) {
	if len(data) < 2 {
		return 0, nil, eris.Wrap(ErrMalformed, "decode: short packet")
	}
	tag := Tag(data[0])
	if !tag.Valid() {
		return 0, nil, eris.Wrapf(ErrMalformed, "decode: unknown tag %d", data[0])
	}
	return tag, data[1:], nil
}

// DecodePayload unmarshals a raw payload into the provided value.
func DecodePayload(body []byte, v any) error {
	if err := msgpack.Unmarshal(body, v); err != nil {
		return eris.Wrap(ErrMalformed, err.Error())
	}
	return nil
}

const (
	malformedLimit  = 3
	malformedWindow = 10 * time.Second
)

// MalformedGate tracks decode failures per connection and decides when the
// socket should be closed. Not safe for concurrent use; each session owns
// its own gate on its reader goroutine.
type MalformedGate struct {
	failures []time.Time
}

// Record registers a decode failure at the given time and reports whether
// the connection has exceeded the tolerated failure rate.
func (g *MalformedGate) Record(now time.Time) bool {
	cutoff := now.Add(-malformedWindow)
	kept := g.failures[:0]
	for _, t := range g.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.failures = append(kept, now)
	return len(g.failures) >= malformedLimit
}
