package signals

import (
	"math/rand"
	"sync"
)

type Signal string

// NewTaskInQueue is broadcast when delivery tasks have been enqueued, so the
// worker scan loop polls immediately instead of waiting out its interval.
const NewTaskInQueue Signal = "new-task-in-queue"

var mu sync.RWMutex
var sigs = map[Signal][]chan struct{}{}

// Notify pokes one random listener. Non-blocking; a listener with a pending
// signal is not poked twice.
func Notify(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	chans := sigs[channel]
	l := len(chans)
	if l > 0 {
		select {
		case chans[rand.Intn(l)] <- struct{}{}:
		default:
		}
	}
}

// Broadcast pokes every listener. Non-blocking.
func Broadcast(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	for _, c := range sigs[channel] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func Listen(channel Signal) (signal <-chan struct{}, cancel func()) {
	mu.Lock()
	defer mu.Unlock()
	c := make(chan struct{}, 1)

	sigs[channel] = append(sigs[channel], c)

	return c, func() {
		mu.Lock()
		defer mu.Unlock()

		var chans []chan struct{}
		for _, cc := range sigs[channel] {
			if cc == c {
				continue
			}
			chans = append(chans, cc)
		}
		sigs[channel] = chans
	}
}
