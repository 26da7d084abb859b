package station

import "sync"

// codeLocks serializes transitions of one voucher code within the process
type codeLocks struct {
	mu   sync.Mutex
	held map[string]*codeLock
}

type codeLock struct {
	sync.Mutex
	waiters int
}

func newCodeLocks() *codeLocks {
	return &codeLocks{held: make(map[string]*codeLock)}
}

// lock blocks until code is free and returns the matching unlock
func (l *codeLocks) lock(code string) func() {
	l.mu.Lock()
	cl, ok := l.held[code]
	if !ok {
		cl = &codeLock{}
		l.held[code] = cl
	}
	cl.waiters++
	l.mu.Unlock()

	cl.Lock()
	return func() {
		cl.Unlock()
		l.mu.Lock()
		cl.waiters--
		if cl.waiters == 0 {
			delete(l.held, code)
		}
		l.mu.Unlock()
	}
}
