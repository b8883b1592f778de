package proto

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := EntityModified{
		ID:       "app-1",
		Position: []float64{1, 2, 3},
		State:    map[string]any{"count": int64(7), "label": "spin", "on": true},
		E:        "RUN",
		T:        true,
	}

	data, err := Encode(TagEntityModified, payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if data[0] != byte(TagEntityModified) {
		t.Fatalf("expected tag byte %d, got %d", TagEntityModified, data[0])
	}

	tag, body, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if tag != TagEntityModified {
		t.Fatalf("expected tag %s, got %s", TagEntityModified, tag)
	}

	var got EntityModified
	if err := DecodePayload(body, &got); err != nil {
		t.Fatalf("decode payload failed: %v", err)
	}
	if got.ID != payload.ID || got.E != payload.E || !got.T {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if len(got.Position) != 3 || got.Position[2] != 3 {
		t.Fatalf("round trip lost position: %v", got.Position)
	}
	if got.State["label"] != "spin" {
		t.Fatalf("round trip lost state: %v", got.State)
	}
}

func TestEncodeDecodeEntityEventArray(t *testing.T) {
	ev := EntityEvent{EntityID: "e-9", Version: 4, Name: "pressed", Data: map[string]any{"x": int64(1)}}
	data, err := Encode(TagEntityEvent, ev)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	_, body, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	var got EntityEvent
	if err := DecodePayload(body, &got); err != nil {
		t.Fatalf("decode payload failed: %v", err)
	}
	if got.EntityID != ev.EntityID || got.Version != ev.Version || got.Name != ev.Name {
		t.Fatalf("expected %+v, got %+v", ev, got)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := [][]byte{nil, {}, {0x01}, {0xFF, 0xC0}, {0x00, 0xC0}}
	for _, data := range cases {
		if _, _, err := Decode(data); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %v, got %v", data, err)
		}
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	var snap Snapshot
	if err := DecodePayload([]byte{0xC1}, &snap); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestNilPayloadStaysCompact(t *testing.T) {
	data, err := Encode(TagPing, nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(data) != 2 {
		t.Fatalf("expected two-byte ping packet, got %d bytes", len(data))
	}
}

func TestMalformedGateClosesWithinWindow(t *testing.T) {
	gate := &MalformedGate{}
	base := time.Now()

	if gate.Record(base) {
		t.Fatalf("first failure should not close the socket")
	}
	if gate.Record(base.Add(time.Second)) {
		t.Fatalf("second failure should not close the socket")
	}
	if !gate.Record(base.Add(2 * time.Second)) {
		t.Fatalf("third failure within the window should close the socket")
	}
}

func TestMalformedGateForgivesOldFailures(t *testing.T) {
	gate := &MalformedGate{}
	base := time.Now()

	gate.Record(base)
	gate.Record(base.Add(time.Second))
	if gate.Record(base.Add(30 * time.Second)) {
		t.Fatalf("failures outside the window should have been forgotten")
	}
}

func TestTagNamesAreExhaustive(t *testing.T) {
	for tag := TagSnapshot; tag < tagEnd; tag++ {
		if tag.String() == "unknown" {
			t.Fatalf("tag %d has no wire name", tag)
		}
	}
	if Tag(0).Valid() || tagEnd.Valid() {
		t.Fatalf("tag validity bounds are wrong")
	}
}
