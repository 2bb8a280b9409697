package acquire

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SimulatedConfig shapes the synthetic stream.
type SimulatedConfig struct {
	Buffers int           // requests cycled (default 6)
	Period  time.Duration // time between completions (default 33ms)
	Sizes   []int         // payload sizes, cycled; required
}

type simRequest struct {
	id     int
	buf    []byte
	status Status
	err    error
	ts     time.Time
}

func (r *simRequest) Buffer() []byte       { return r.buf }
func (r *simRequest) Status() Status       { return r.status }
func (r *simRequest) Timestamp() time.Time { return r.ts }
func (r *simRequest) Err() error           { return r.err }

// SimulatedDriver streams synthetic payloads from its own goroutine. Each
// buffer is filled with the low byte of its completion sequence so tests can
// tell frames apart. A request that is not requeued stalls the stream once
// every buffer is outstanding, like a real driver starved of buffers.
type SimulatedDriver struct {
	cfg SimulatedConfig

	free    chan *simRequest
	handler CompletionHandler
	stop    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	seq      atomic.Uint64
	stalls   atomic.Uint64
	failNext atomic.Bool
	held     atomic.Int64
}

// NewSimulatedDriver validates cfg and allocates the request buffers.
func NewSimulatedDriver(cfg SimulatedConfig) (*SimulatedDriver, error) {
	if len(cfg.Sizes) == 0 {
		return nil, fmt.Errorf("acquire: simulated driver needs at least one frame size")
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = 6
	}
	if cfg.Period <= 0 {
		cfg.Period = 33 * time.Millisecond
	}
	maxSize := 0
	for _, s := range cfg.Sizes {
		if s < 0 {
			return nil, fmt.Errorf("acquire: negative simulated frame size %d", s)
		}
		maxSize = max(maxSize, s)
	}

	d := &SimulatedDriver{
		cfg:  cfg,
		free: make(chan *simRequest, cfg.Buffers),
		stop: make(chan struct{}),
	}
	for i := 0; i < cfg.Buffers; i++ {
		d.free <- &simRequest{id: i, buf: make([]byte, 0, maxSize)}
	}
	return d, nil
}

func (d *SimulatedDriver) Buffers() int { return d.cfg.Buffers }

// Start launches the streaming goroutine.
func (d *SimulatedDriver) Start(h CompletionHandler) error {
	if h == nil {
		return errors.New("acquire: completion handler is required")
	}
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("acquire: simulated driver already started")
	}
	d.handler = h

	d.wg.Add(1)
	go d.run()
	return nil
}

func (d *SimulatedDriver) run() {
	defer d.wg.Done()

	t := time.NewTicker(d.cfg.Period)
	defer t.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
		}

		var r *simRequest
		select {
		case r = <-d.free:
		default:
			d.stalls.Add(1)
			continue
		}

		n := d.seq.Add(1) - 1
		size := d.cfg.Sizes[int(n)%len(d.cfg.Sizes)]
		r.buf = r.buf[:size]
		for i := range r.buf {
			r.buf[i] = byte(n)
		}
		r.ts = time.Now()
		r.status, r.err = StatusComplete, nil
		if d.failNext.CompareAndSwap(true, false) {
			r.status, r.err = StatusError, errors.New("simulated sensor fault")
		}

		d.held.Add(1)
		d.handler(r)
	}
}

// Requeue returns a request to the free set.
func (d *SimulatedDriver) Requeue(r Request) error {
	sr, ok := r.(*simRequest)
	if !ok {
		return fmt.Errorf("acquire: foreign request %T", r)
	}
	d.held.Add(-1)
	sr.buf = sr.buf[:0]
	select {
	case d.free <- sr:
		return nil
	default:
		return errors.New("acquire: request requeued twice")
	}
}

// Stop halts streaming and completes every still-queued request as
// cancelled.
func (d *SimulatedDriver) Stop() error {
	if !d.started.CompareAndSwap(true, false) {
		return nil
	}
	close(d.stop)
	d.wg.Wait()

	for {
		select {
		case r := <-d.free:
			r.status, r.err = StatusCancelled, nil
			r.buf = r.buf[:0]
			d.handler(r)
		default:
			return nil
		}
	}
}

// FailNext makes the next completion report a driver error.
func (d *SimulatedDriver) FailNext() { d.failNext.Store(true) }

// Outstanding returns completions not yet requeued.
func (d *SimulatedDriver) Outstanding() int { return int(d.held.Load()) }

// Stalls counts periods skipped because no request was queued.
func (d *SimulatedDriver) Stalls() uint64 { return d.stalls.Load() }
