package memledger

import (
	"sync"

	"github.com/holiman/uint256"
)

/*
watcher delivers balance updates to the callback in order, when callback
is slower than updates arrive intermediate values are skipped but the latest
value is always delivered.
*/
type watcher struct {
	fn      func(*uint256.Int)
	updates chan *uint256.Int
	stop    chan struct{}
	once    sync.Once
}

func newWatcher(fn func(*uint256.Int)) *watcher {
	return &watcher{
		fn:      fn,
		updates: make(chan *uint256.Int, 1),
		stop:    make(chan struct{}),
	}
}

// push must be called with the ledger lock held.
func (w *watcher) push(v *uint256.Int) {
	for {
		select {
		case w.updates <- v:
			return
		default:
			select {
			case <-w.updates:
			default:
			}
		}
	}
}

func (w *watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case v := <-w.updates:
			w.fn(v)
		}
	}
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.stop) })
}
