package operation

import "testing"

func TestNumpadEntry(t *testing.T) {
	n := NewNumpad()
	if n.Active() {
		t.Fatal("pad active before Begin")
	}

	n.Begin()
	n.Push(1)
	n.Push(2)
	n.Push(3)
	if got := n.Result(); got != 123 {
		t.Errorf("result: got %d, want 123", got)
	}

	n.Backspace()
	if got := n.Result(); got != 12 {
		t.Errorf("result after backspace: got %d, want 12", got)
	}

	n.Reset()
	if n.Active() || n.Len() != 0 || n.Result() != 0 {
		t.Error("reset did not clear the pad")
	}
}

func TestNumpadOverflowDropsOldest(t *testing.T) {
	n := NewNumpad()
	n.Begin()
	n.Push(5)
	for i := 0; i < numpadCapacity-1; i++ {
		n.Push(0)
	}
	if n.Len() != numpadCapacity {
		t.Fatalf("len: got %d, want %d", n.Len(), numpadCapacity)
	}

	// One more push drops the leading 5.
	n.Push(7)
	if n.Len() != numpadCapacity {
		t.Errorf("len after overflow: got %d, want %d", n.Len(), numpadCapacity)
	}
	if got := n.Result(); got != 7 {
		t.Errorf("result after overflow: got %d, want 7", got)
	}
}

func TestNumpadIgnoresInvalidInput(t *testing.T) {
	n := NewNumpad()

	// Inactive pad drops digits.
	n.Push(4)
	if n.Len() != 0 {
		t.Error("inactive pad accepted a digit")
	}
	n.Backspace()

	n.Begin()
	n.Push(-1)
	n.Push(10)
	if n.Len() != 0 {
		t.Error("out-of-range digit accepted")
	}
}
