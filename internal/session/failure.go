package session

import "sync"

// failureSlot records the first failure. Later failures are ignored.
type failureSlot struct {
	once sync.Once
	set  chan struct{}
	err  error
}

func newFailureSlot() *failureSlot {
	return &failureSlot{set: make(chan struct{})}
}

// fail stores err if the slot is empty and reports whether it did.
func (f *failureSlot) fail(err error) bool {
	stored := false
	f.once.Do(func() {
		f.err = err
		close(f.set)
		stored = true
	})
	return stored
}

// get returns the recorded failure or nil.
func (f *failureSlot) get() error {
	select {
	case <-f.set:
		return f.err
	default:
		return nil
	}
}

// done is closed once a failure is recorded.
func (f *failureSlot) done() <-chan struct{} {
	return f.set
}
