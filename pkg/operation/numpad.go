package operation

// numpadCapacity bounds digit entry; the display has room for no more.
const numpadCapacity = 20

// Numpad is the bounded digit buffer behind numeric entry. Digits
// accumulate right to left; on overflow the oldest digit is dropped.
// The accumulated integer is interpreted under the active measurement
// unit with a fixed implied decimal point, there is no free-form
// decimal parsing.
type Numpad struct {
	digits []int
	active bool
}

func NewNumpad() *Numpad {
	return &Numpad{digits: make([]int, 0, numpadCapacity)}
}

// Active reports whether an entry is in progress.
func (n *Numpad) Active() bool { return n.active }

// Len returns the number of entered digits.
func (n *Numpad) Len() int { return len(n.digits) }

// Begin arms the pad for a fresh entry.
func (n *Numpad) Begin() {
	n.digits = n.digits[:0]
	n.active = true
}

// Push appends a digit 0-9, dropping the oldest on overflow. Ignored
// when the pad is not active or the digit is out of range.
func (n *Numpad) Push(digit int) {
	if !n.active || digit < 0 || digit > 9 {
		return
	}
	if len(n.digits) == numpadCapacity {
		copy(n.digits, n.digits[1:])
		n.digits[numpadCapacity-1] = digit
		return
	}
	n.digits = append(n.digits, digit)
}

// Backspace removes the most recent digit.
func (n *Numpad) Backspace() {
	if !n.active || len(n.digits) == 0 {
		return
	}
	n.digits = n.digits[:len(n.digits)-1]
}

// Reset clears the pad and deactivates it.
func (n *Numpad) Reset() {
	n.digits = n.digits[:0]
	n.active = false
}

// Result returns the entered digits as one integer.
func (n *Numpad) Result() int64 {
	var r int64
	for _, d := range n.digits {
		r = r*10 + int64(d)
	}
	return r
}
