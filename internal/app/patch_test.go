package app

import (
	"encoding/json"
	"testing"
)

func TestOptTriState(t *testing.T) {
	type payload struct {
		Reason Opt[string] `json:"reason"`
		Count  Opt[int]    `json:"count"`
	}

	var absent payload
	if err := json.Unmarshal([]byte(`{}`), &absent); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if absent.Reason.Set {
		t.Error("absent field must not be marked set")
	}

	var null payload
	if err := json.Unmarshal([]byte(`{"reason": null}`), &null); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !null.Reason.Set || !null.Reason.Null {
		t.Errorf("explicit null should be set+null, got %+v", null.Reason)
	}
	if null.Reason.Ptr() != nil {
		t.Error("Ptr of null must be nil")
	}

	var value payload
	if err := json.Unmarshal([]byte(`{"reason": "waiting", "count": 3}`), &value); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !value.Reason.Set || value.Reason.Null || value.Reason.Value != "waiting" {
		t.Errorf("unexpected reason %+v", value.Reason)
	}
	if ptr := value.Reason.Ptr(); ptr == nil || *ptr != "waiting" {
		t.Errorf("unexpected Ptr %v", ptr)
	}
	if value.Count.Value != 3 {
		t.Errorf("unexpected count %+v", value.Count)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Errorf("short strings must pass through, got %q", got)
	}
	// Rune-aware: multibyte characters count as one.
	input := "héllo wörld héllo wörld"
	got := truncate(input, 10)
	if got != "héllo wörl..." {
		t.Errorf("unexpected truncation %q", got)
	}
}
