package recovery

import (
	"bytes"
	"sync"
	"time"
)

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func sleepBriefly() { time.Sleep(time.Millisecond) }
