//go:build !tinygo

// Package irq provides the critical section used wherever edge handlers,
// timer compare handlers and the main loop share state.
// On a hosted build handlers run on their own goroutines, so the section is
// a mutex. Under TinyGo it masks interrupts instead.
package irq

import "sync"

// Section guards state shared with interrupt context.
// The zero value is ready to use. Sections do not nest.
type Section struct {
	mu sync.Mutex
}

// Token is held for the duration of a critical section.
type Token struct {
	s *Section
}

// Enter blocks preemption of s and returns the token that releases it.
// The usual form is:
//
//	defer s.Enter().Exit()
func (s *Section) Enter() Token {
	s.mu.Lock()
	return Token{s: s}
}

// Exit leaves the critical section.
func (t Token) Exit() {
	t.s.mu.Unlock()
}
