package session

import (
	"sync"
	"time"
)

// TypingDebouncer turns a stream of keystrokes into start/stop signals, one
// state machine per conversation. A conversation is Typing while it has an
// entry in active; absence means Idle.
//
// emit is called with the debouncer's lock held, so it must not block or call
// back into the debouncer.
type TypingDebouncer struct {
	mu      sync.Mutex
	timeout time.Duration
	emit    func(recipientID string, start bool)
	active  map[string]*typingState
}

type typingState struct {
	timer *time.Timer
	gen   uint64
}

// NewTypingDebouncer returns a debouncer that reports typingStop after
// timeout of inactivity.
func NewTypingDebouncer(timeout time.Duration, emit func(recipientID string, start bool)) *TypingDebouncer {
	return &TypingDebouncer{
		timeout: timeout,
		emit:    emit,
		active:  make(map[string]*typingState),
	}
}

// Keystroke records input in the conversation with recipientID. The first
// keystroke since Idle emits start; every keystroke re-arms the inactivity
// timer.
func (d *TypingDebouncer) Keystroke(recipientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.active[recipientID]
	if !ok {
		st = &typingState{}
		d.active[recipientID] = st
		d.emit(recipientID, true)
	} else {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(d.timeout, func() { d.expire(recipientID, gen) })
}

func (d *TypingDebouncer) expire(recipientID string, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.active[recipientID]
	if !ok || st.gen != gen {
		return
	}
	delete(d.active, recipientID)
	d.emit(recipientID, false)
}

// Sent returns the conversation to Idle after a message was sent, emitting
// stop if it was Typing.
func (d *TypingDebouncer) Sent(recipientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.active[recipientID]
	if !ok {
		return
	}
	st.timer.Stop()
	delete(d.active, recipientID)
	d.emit(recipientID, false)
}

// Cancel disarms the pending stop timer for recipientID without emitting
// anything. It is used when the conversation view closes.
func (d *TypingDebouncer) Cancel(recipientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st, ok := d.active[recipientID]; ok {
		st.timer.Stop()
		delete(d.active, recipientID)
	}
}

// CancelAll disarms every conversation.
func (d *TypingDebouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, st := range d.active {
		st.timer.Stop()
		delete(d.active, id)
	}
}

// Typing reports whether the conversation with recipientID is in Typing.
func (d *TypingDebouncer) Typing(recipientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[recipientID]
	return ok
}
