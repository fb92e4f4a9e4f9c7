package respond

import (
	"sync"
	"time"
)

// cooldownCapacity bounds the ledger so a busy room cannot grow it without
// limit; the oldest entry is evicted first.
const cooldownCapacity = 4096

type cooldownKey struct {
	uid        int64
	templateID string
}

type cooldownEntry struct {
	key  cooldownKey
	seen time.Time
}

// cooldownLedger is a sliding window of recently thanked (sender, template)
// pairs. An entry suppresses further replies for that pair until its
// template's cooldown elapses.
type cooldownLedger struct {
	mu      sync.Mutex
	entries []cooldownEntry
}

func newCooldownLedger() *cooldownLedger {
	return &cooldownLedger{entries: make([]cooldownEntry, 0, 64)}
}

// shouldReply reports whether the pair is outside its cooldown window and,
// if so, records it at now.
func (l *cooldownLedger) shouldReply(key cooldownKey, cooldown time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.key == key {
			if now.Sub(e.seen) < cooldown {
				return false
			}
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}

	if len(l.entries) >= cooldownCapacity {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, cooldownEntry{key: key, seen: now})
	return true
}

// len returns the number of tracked pairs.
func (l *cooldownLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
