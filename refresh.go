package flagstore

import "sync"

// refreshPool runs background cache reloads on a fixed set of workers with a
// bounded queue, so a backend outage cannot pile up goroutines behind the
// stale reads it is masking. submit drops when the queue is full; the entry
// simply stays stale and a later read reschedules.
type refreshPool struct {
	jobs chan func()
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newRefreshPool(workers, qlen int) *refreshPool {
	if workers <= 0 {
		workers = defaultAsyncWorkers
	}
	if qlen <= 0 {
		qlen = defaultAsyncQueue
	}
	p := &refreshPool{
		jobs: make(chan func(), qlen),
		stop: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for {
				select {
				case f := <-p.jobs:
					f()
				case <-p.stop:
					return
				}
			}
		}()
	}
	return p
}

func (p *refreshPool) submit(f func()) bool {
	select {
	case p.jobs <- f:
		return true
	default:
		return false
	}
}

// close signals the workers and returns without waiting; in-flight reloads
// may complete but their results are discarded along with the store.
func (p *refreshPool) close() {
	p.once.Do(func() { close(p.stop) })
}
