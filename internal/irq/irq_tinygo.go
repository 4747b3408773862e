//go:build tinygo

package irq

import "runtime/interrupt"

// Section masks interrupts for the duration of a critical section.
type Section struct{}

// Token carries the interrupt state to restore on Exit.
type Token struct {
	state interrupt.State
}

// Enter disables interrupts and returns the token that restores them.
func (s *Section) Enter() Token {
	return Token{state: interrupt.Disable()}
}

// Exit restores the interrupt state saved by Enter.
func (t Token) Exit() {
	interrupt.Restore(t.state)
}
