package notification

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenBeforeIsMonotonicPerMailbox(t *testing.T) {
	s := &Service{lastHistoryID: make(map[string]uint64)}

	assert.False(t, s.seenBefore("a@example.com", 100))
	assert.True(t, s.seenBefore("a@example.com", 100), "redelivery is suppressed")
	assert.True(t, s.seenBefore("a@example.com", 90), "out-of-order old id is suppressed")
	assert.False(t, s.seenBefore("a@example.com", 110))

	assert.False(t, s.seenBefore("b@example.com", 50), "mailboxes track independently")
}

// Receive dispatches callbacks from multiple goroutines, so the dedupe map
// must tolerate concurrent notifications for many mailboxes at once.
func TestSeenBeforeConcurrentMailboxes(t *testing.T) {
	s := &Service{lastHistoryID: make(map[string]uint64)}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			mailbox := fmt.Sprintf("agent%d@example.com", g%4)
			for i := uint64(1); i <= 200; i++ {
				s.seenBefore(mailbox, i)
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < 4; g++ {
		mailbox := fmt.Sprintf("agent%d@example.com", g)
		assert.EqualValues(t, 200, s.lastHistoryID[mailbox])
		assert.True(t, s.seenBefore(mailbox, 200))
	}
}
