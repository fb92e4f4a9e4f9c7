package history

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// recordIDGen issues time-ordered record ids: 48 bits of unix milliseconds
// followed by an 80-bit entropy tail, rendered as 32 lowercase hex
// characters. Within one millisecond the tail is bumped instead of redrawn,
// and the timestamp never moves backwards, so ids from one generator sort
// strictly ascending even across a clock step.
type recordIDGen struct {
	mu     sync.Mutex
	lastMs uint64
	tail   [10]byte
}

func (g *recordIDGen) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(time.Now().UnixMilli()) & (1<<48 - 1)
	if ms > g.lastMs {
		g.lastMs = ms
		rand.Read(g.tail[:])
	} else {
		g.bumpTail()
	}

	var id [16]byte
	for i := 0; i < 6; i++ {
		id[i] = byte(g.lastMs >> (40 - 8*i))
	}
	copy(id[6:], g.tail[:])
	return hex.EncodeToString(id[:])
}

func (g *recordIDGen) bumpTail() {
	for i := len(g.tail) - 1; i >= 0; i-- {
		g.tail[i]++
		if g.tail[i] != 0 {
			return
		}
	}
}

// recordIDTime extracts the capture timestamp embedded in a record id. The
// zero time is returned for malformed ids.
func recordIDTime(id string) time.Time {
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != 16 {
		return time.Time{}
	}
	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(raw[i])
	}
	return time.UnixMilli(int64(ms))
}
