package blueprint

import (
	"errors"
	"testing"

	"driftworld/server/internal/proto"
)

func TestAddNormalizesVersion(t *testing.T) {
	reg := NewRegistry()
	if !reg.Add(&Blueprint{ID: "bp-1", Model: "asset://m.glb"}) {
		t.Fatalf("add failed")
	}
	bp, err := reg.Get("bp-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if bp.Version != 1 {
		t.Fatalf("expected version 1, got %d", bp.Version)
	}

	if reg.Add(&Blueprint{ID: "bp-1"}) {
		t.Fatalf("duplicate add must be rejected")
	}
}

func TestModifyMintsNextVersion(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&Blueprint{ID: "bp-1", Model: "asset://m.glb", Script: "asset://s.js"})

	prev, _ := reg.Get("bp-1")
	next, err := reg.Modify("bp-1", proto.BlueprintRecord{Model: "asset://m2.glb"})
	if err != nil {
		t.Fatalf("modify failed: %v", err)
	}
	if next.Version != 2 {
		t.Fatalf("expected version 2, got %d", next.Version)
	}
	if next.Model != "asset://m2.glb" {
		t.Fatalf("model change lost: %s", next.Model)
	}
	if next.Script != "asset://s.js" {
		t.Fatalf("unchanged field lost: %s", next.Script)
	}
	if prev.Version != 1 || prev.Model != "asset://m.glb" {
		t.Fatalf("previous version mutated: %+v", prev)
	}
}

func TestModifyUnknownFails(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Modify("ghost", proto.BlueprintRecord{}); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if _, err := reg.Get("ghost"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestSubscribeSeesAddsAndBumps(t *testing.T) {
	reg := NewRegistry()
	var events []bool
	reg.Subscribe(func(bp *Blueprint, added bool) { events = append(events, added) })

	reg.Add(&Blueprint{ID: "bp-1"})
	if _, err := reg.Modify("bp-1", proto.BlueprintRecord{Preload: true}); err != nil {
		t.Fatalf("modify failed: %v", err)
	}
	if len(events) != 2 || !events[0] || events[1] {
		t.Fatalf("expected [added, modified], got %v", events)
	}
}

func TestApplyNotifiesSubscriber(t *testing.T) {
	reg := NewRegistry()
	var events []bool
	var versions []int
	reg.Subscribe(func(bp *Blueprint, added bool) {
		events = append(events, added)
		versions = append(versions, bp.Version)
	})

	reg.Apply(proto.BlueprintRecord{ID: "bp-1", Version: 1, Model: "asset://m.glb"})
	reg.Apply(proto.BlueprintRecord{ID: "bp-1", Version: 2, Model: "asset://m2.glb"})

	if len(events) != 2 || !events[0] || events[1] {
		t.Fatalf("expected [added, modified], got %v", events)
	}
	if versions[0] != 1 || versions[1] != 2 {
		t.Fatalf("subscriber saw wrong versions: %v", versions)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&Blueprint{ID: "a", Model: "asset://a.glb", Preload: true})
	reg.Add(&Blueprint{ID: "b", Script: "asset://b.js", Config: map[string]any{"speed": 2.0}})

	records := reg.Serialize()
	clone := NewRegistry()
	clone.Deserialize(records)

	if clone.Len() != 2 {
		t.Fatalf("expected 2 blueprints, got %d", clone.Len())
	}
	b, err := clone.Get("b")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if b.Config["speed"] != 2.0 {
		t.Fatalf("config lost in round trip: %v", b.Config)
	}

	preload := clone.PreloadItems()
	if len(preload) != 1 || preload[0].ID != "a" {
		t.Fatalf("preload items wrong: %v", preload)
	}
}

func TestRemoveRollsBack(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&Blueprint{ID: "upload-1"})
	reg.Remove("upload-1")
	if _, err := reg.Get("upload-1"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected removal, got %v", err)
	}
}
