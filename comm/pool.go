package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	// can assume chan and timer are created by New in all methods
	// when stopping the timer, close the channel.  The drain for its channel
	// safely handles the zero value that comes on a closed channel.
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= cap(conns)
	timeout time.Duration           // time after len(conns) == 0 to free all connections
	conns   chan io.ReadWriteCloser // the circular buffer of connections
	freed   chan struct{}           // pulsed by Destroy; a waiter may make a fresh connection
	done    chan struct{}           // closed by Close to release blocked waiters
	timer   *time.Timer             // timer used to destroy connections in the pool after all are returned
	maker   CreationFunc

	reclaiming bool // whether startReclaim's goroutine is running
	closed     bool
	mu         *sync.Mutex
}

// NewPool creates a new pool of up to maxSize connections made by maker,
// collapsed after they go unused for timeout
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		freed:   make(chan struct{}, maxSize),
		done:    make(chan struct{}),
		timer:   time.NewTimer(timeout),
		maker:   maker,
		mu:      &sync.Mutex{},
	}
	p.timer.Stop() // stop the timer since there is nothing to close initially
	return p
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.  The consumer should not attempt to cast it to its
// concrete type and use it outside this interface.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
// ReturnWithError does the right thing based on an error value.
//
// If the error from Get is not nil, you must not return the communicator
// to the pool, or you will cause a panic.
func (p *Pool) Get() (io.ReadWriter, error) {
	// stopping the timer can fail as documented at
	// https://golang.org/pkg/time/#Timer.Stop but a new connection will be
	// made on demand anyway, so we can ignore that.
	p.timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrNotConnected
		}
		// short circuit: if a connection is available, immediately return it
		select {
		case ret := <-p.conns:
			p.onLease++
			p.mu.Unlock()
			return ret, nil
		default:
		}
		// no connection available; if they aren't all out, make one and
		// give it out.  only increment the lease count if we are giving
		// out something other than garbage
		if p.onLease < p.maxSize {
			c, err := p.maker()
			if err == nil {
				p.onLease++
			}
			p.mu.Unlock()
			return c, err
		}
		p.mu.Unlock()
		// all given out.  wait without holding mu, or Put, Destroy, and
		// Close could never run and no connection would ever come back
		select {
		case ret := <-p.conns:
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				ret.Close()
				return nil, ErrNotConnected
			}
			p.onLease++
			p.mu.Unlock()
			return ret, nil
		case <-p.freed:
			// a leased connection was destroyed; capacity opened up, so
			// go back around and make a fresh one
		case <-p.done:
			return nil, ErrNotConnected
		}
	}
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.  Junk communicators (ones that always error) should be
// Destroy()'d and not returned with Put.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := (rw).(io.ReadWriteCloser)
	// send before taking mu so a waiter blocked in Get is served without
	// also waiting on the lock
	p.conns <- rwc
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	if len(p.conns) == p.maxSize {
		p.startReclaim()
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := (rw).(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	// wake a waiter; a destroyed lease frees capacity but never produces
	// a Put.  the buffer holds maxSize pulses, so dropping one here means
	// enough wakeups are already pending.
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// ReturnWithError Puts the communicator back if err is nil, else Destroys it
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err == nil {
		p.Put(rw)
	} else {
		p.Destroy(rw)
	}
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections owned by the pool that are
// currently given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close closes any idle connections and marks the pool unusable.  Leased
// connections are the lessee's problem.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	p.timer.Stop()
	var err error
	for {
		select {
		case c := <-p.conns:
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		default:
			return err
		}
	}
}

// startReclaim spawns another goroutine which will be used to close all
// connections in the pool.  The caller must hold mu.
func (p *Pool) startReclaim() {
	defer func() { p.reclaiming = true }()
	if !p.reclaiming {
		p.timer.Reset(p.timeout)
		go func() {
			defer func() {
				p.mu.Lock()
				p.reclaiming = false
				p.mu.Unlock()
			}()
			// wait until the timeout has elapsed, then close everything idle
			<-p.timer.C
			p.mu.Lock()
			for {
				select {
				case closer := <-p.conns:
					closer.Close()
				default:
					p.mu.Unlock()
					return
				}
			}
		}()
	}
}
