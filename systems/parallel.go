package systems

import (
	"runtime"
	"sync"
)

// parallelThreshold is the minimum particle count to use the worker pool.
// Below this, single-threaded is faster due to goroutine overhead.
const parallelThreshold = 1024

// workChunk identifies a range of particles for a worker to process.
type workChunk struct {
	index int
}

// workerPool runs chunked jobs on persistent goroutines. run blocks until
// every chunk of a job has completed, which is the barrier between the
// transition/weighting phase and resampling.
type workerPool struct {
	numWorkers int

	mu  sync.Mutex // serializes run calls
	job func(chunk int)

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

func newWorkerPool(numWorkers int) *workerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	return &workerPool{numWorkers: numWorkers}
}

// start launches persistent worker goroutines.
func (p *workerPool) start() {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// stop signals all workers to exit and waits for them.
func (p *workerPool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *workerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			p.job(chunk.index)
			p.doneChan <- struct{}{}
		}
	}
}

// run executes job for chunks [0, n) and returns once all have finished.
// With a single worker the job runs inline.
func (p *workerPool) run(n int, job func(chunk int)) {
	if n <= 0 {
		return
	}
	if p.numWorkers == 1 || n == 1 {
		for i := 0; i < n; i++ {
			job(i)
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.start()
	p.job = job

	// Dispatch and collect concurrently so a full workChan never stalls
	// workers waiting to report completion.
	go func() {
		for i := 0; i < n; i++ {
			p.workChan <- workChunk{index: i}
		}
	}()
	for i := 0; i < n; i++ {
		<-p.doneChan
	}
}
