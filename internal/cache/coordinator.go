package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrTransferFailed is returned by TransferHandle.Wait when the backing
// fetch completed in a failed state.
var ErrTransferFailed = errors.New("transfer failed")

// ErrTransferTimeout is returned by TransferHandle.Wait when the
// deadline elapsed before the backing fetch completed. The fetch itself
// keeps running and may still succeed for later callers.
var ErrTransferTimeout = errors.New("timed out waiting for transfer")

// TransferHandle represents one in-flight peer fetch. All callers
// requesting the same hash while the fetch is running share a single
// handle.
type TransferHandle struct {
	ID   string
	Hash string

	done      chan struct{}
	succeeded bool // valid after done is closed
}

// Done is closed once the transfer reaches a terminal state.
func (h *TransferHandle) Done() <-chan struct{} { return h.done }

// Succeeded reports the terminal status. Only meaningful after Done is
// closed.
func (h *TransferHandle) Succeeded() bool { return h.succeeded }

// Wait blocks until the transfer completes or timeout elapses.
func (h *TransferHandle) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		if !h.succeeded {
			return ErrTransferFailed
		}
		return nil
	case <-timer.C:
		return ErrTransferTimeout
	}
}

// Coordinator is a keyed singleflight over hashes: at most one fetch
// per hash is in flight at any instant, and every concurrent requester
// shares its outcome.
type Coordinator struct {
	mu     sync.Mutex
	active map[string]*TransferHandle
	logger zerolog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		active: make(map[string]*TransferHandle),
		logger: logger.With().Str("component", "coordinator").Logger(),
	}
}

// StartOrJoin returns the active handle for hash, creating one and
// scheduling work on a new goroutine if none exists. The second return
// is true when this call started the work. work runs exactly once per
// handle; the mutex is held only across the map check-and-insert, never
// across the work itself.
func (c *Coordinator) StartOrJoin(hash string, work func() error) (*TransferHandle, bool) {
	hash = NormalizeHash(hash)

	c.mu.Lock()
	if h, ok := c.active[hash]; ok {
		c.mu.Unlock()
		return h, false
	}
	h := &TransferHandle{
		ID:   uuid.NewString(),
		Hash: hash,
		done: make(chan struct{}),
	}
	c.active[hash] = h
	c.mu.Unlock()

	go c.run(h, work)
	return h, true
}

// run executes the work and completes the handle. Terminal marking and
// map removal happen in the same critical section, so a caller who
// finds the hash absent afterwards is guaranteed the handle is already
// terminal and the filesystem reflects the outcome.
func (c *Coordinator) run(h *TransferHandle, work func() error) {
	err := work()

	c.mu.Lock()
	h.succeeded = err == nil
	close(h.done)
	delete(c.active, h.Hash)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Str("hash", h.Hash).Str("transfer_id", h.ID).Msg("transfer failed")
	}
}

// Contains reports whether any of the given hashes has a transfer in
// flight.
func (c *Coordinator) Contains(hashes ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hash := range hashes {
		if _, ok := c.active[NormalizeHash(hash)]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of transfers currently in flight.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
