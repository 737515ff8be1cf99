package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauses(t *testing.T) {
	if err := Guard(nil, "auction"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	pauses := NewPauses(" Auction ")
	if err := Guard(pauses, "auction"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "ledger"); err != nil {
		t.Fatalf("unexpected pause for ledger: %v", err)
	}
	pauses.Set("auction", false)
	if err := Guard(pauses, "auction"); err != nil {
		t.Fatalf("expected resumed module, got %v", err)
	}
	pauses.Set("ledger", true)
	pauses.Set("auction", true)
	if got := pauses.List(); len(got) != 2 || got[0] != "auction" || got[1] != "ledger" {
		t.Fatalf("unexpected paused list: %v", got)
	}
}
