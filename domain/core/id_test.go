package core

import (
	"errors"
	"testing"
)

// TestNewIDUniqueness tests that NewID generates unique identifiers
func TestNewIDUniqueness(t *testing.T) {
	const numIDs = 10000

	ids := make(map[ID]bool, numIDs)
	for i := 0; i < numIDs; i++ {
		id := NewID()
		if id.IsEmpty() {
			t.Errorf("Generated empty ID at iteration %d", i)
		}
		if ids[id] {
			t.Errorf("Generated duplicate ID: %s", id)
		}
		ids[id] = true
	}

	if len(ids) != numIDs {
		t.Errorf("Expected %d unique IDs, got %d", numIDs, len(ids))
	}
}

func TestParseRunID(t *testing.T) {
	id := NewRunID()
	parsed, err := ParseRunID("  " + id.String() + " ")
	if err != nil {
		t.Fatalf("ParseRunID(%q): %v", id, err)
	}
	if parsed != id {
		t.Errorf("Expected %s, got %s", id, parsed)
	}

	for _, bad := range []string{"", "   ", "not-a-uuid"} {
		if _, err := ParseRunID(bad); !IsValidationError(err) {
			t.Errorf("Expected validation error for %q, got %v", bad, err)
		}
	}
}

func TestHasher_FieldBoundaries(t *testing.T) {
	a := (&Hasher{}).Add("ab").Add("c").Sum()
	b := (&Hasher{}).Add("a").Add("bc").Sum()
	if a.Equals(b) {
		t.Errorf("Expected different fingerprints for different field splits")
	}

	again := (&Hasher{}).Add("ab").Add("c").Sum()
	if !a.Equals(again) {
		t.Errorf("Fingerprint not deterministic: %s vs %s", a, again)
	}
}

func TestErrorHelpers(t *testing.T) {
	err := NewInvalidVarianceError("YAL001C", "GCN4|wt", 15, 0, 0)
	if !errors.Is(err, ErrInvalidVariance) || !IsValidationError(err) {
		t.Errorf("Expected invalid variance error, got %v", err)
	}

	err = NewInsufficientDataError("null fraction", 10, 20)
	if !IsInsufficientData(err) {
		t.Errorf("Expected insufficient data error, got %v", err)
	}

	if !IsNotFoundError(NewNotFoundError("run", "abc")) {
		t.Errorf("Expected not found error")
	}
}
