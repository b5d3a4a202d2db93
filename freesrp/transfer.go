// (c) Lukas Lao Beyer, 2016-2017
// Copyright (C) 2020 Google LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package freesrp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
)

type transferState int32

const (
	transferAllocated transferState = iota
	transferSubmitted
	transferCompleted
	transferCancelled
)

func (s transferState) String() string {
	switch s {
	case transferAllocated:
		return "allocated"
	case transferSubmitted:
		return "submitted"
	case transferCompleted:
		return "completed"
	case transferCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("transferState(%d)", int32(s))
}

// transferFunc performs one blocking bulk transfer. It is satisfied by the
// ReadContext and WriteContext methods of gousb endpoints.
type transferFunc func(ctx context.Context, buf []byte) (int, error)

// completionSink fills buffers before submission and consumes them after
// completion. Both methods run on the completion goroutine, except for the
// initial prepare calls made by start.
type completionSink interface {
	// prepare readies buf for submission and returns the number of bytes to
	// transfer.
	prepare(buf []byte) int
	// complete handles a finished transfer of n bytes.
	complete(buf []byte, n int, err error)
}

// transferSlot is one entry of a pool's arena. It owns its buffer for the
// lifetime of the pool; resubmission reuses it.
type transferSlot struct {
	pool  *transferPool
	index int
	buf   []byte
	state atomic.Int32

	// Set by the submitting goroutine before the slot is posted to the
	// completion channel.
	ctx context.Context
	n   int
	err error
}

func (sl *transferSlot) loadState() transferState {
	return transferState(sl.state.Load())
}

func (sl *transferSlot) setState(st transferState) {
	sl.state.Store(int32(st))
}

// transferPool keeps a fixed set of transfers in flight on one endpoint.
// Each completed transfer is handed to the sink and resubmitted until stop
// cancels the pool's context.
type transferPool struct {
	name    string
	xfer    transferFunc
	sink    completionSink
	events  chan<- *transferSlot
	timeout time.Duration
	slots   []*transferSlot

	mu      sync.Mutex // guards the fields below
	running bool
	broken  bool
	cancel  context.CancelFunc

	inflight sync.WaitGroup
}

func newTransferPool(name string, count, bufSize int, xfer transferFunc, sink completionSink, events chan<- *transferSlot, timeout time.Duration) *transferPool {
	p := &transferPool{
		name:    name,
		xfer:    xfer,
		sink:    sink,
		events:  events,
		timeout: timeout,
	}
	for i := 0; i < count; i++ {
		p.slots = append(p.slots, &transferSlot{
			pool:  p,
			index: i,
			buf:   make([]byte, bufSize),
		})
	}
	return p
}

// start submits every slot. configure, if not nil, runs under the pool lock
// once the pool is known to be idle, before any slot is prepared.
// Completions are delivered to the events channel and must be passed back to
// complete by a single goroutine.
func (p *transferPool) start(parent context.Context, configure func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken {
		return fmt.Errorf("%w: %s transfers were not released by a previous stop", ErrConnection, p.name)
	}
	if p.running {
		return fmt.Errorf("%w: %s", ErrBusy, p.name)
	}
	if err := parent.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if configure != nil {
		configure()
	}

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(parent)
	p.running = true
	// Every slot is prepared before the first transfer is launched. Once one
	// is in flight, its completion prepares the next buffer on the completion
	// goroutine, which must then be the only caller of the sink.
	lengths := make([]int, len(p.slots))
	for i, sl := range p.slots {
		sl.setState(transferAllocated)
		lengths[i] = p.sink.prepare(sl.buf)
	}
	for i, sl := range p.slots {
		p.launch(ctx, sl, lengths[i])
	}
	glog.V(1).Infof("Started %d %s transfers", len(p.slots), p.name)
	return nil
}

// submit prepares sl and launches its transfer.
func (p *transferPool) submit(ctx context.Context, sl *transferSlot) {
	p.launch(ctx, sl, p.sink.prepare(sl.buf))
}

// launch runs the transfer of the first length bytes of sl on a new
// goroutine. The caller accounts for the transfer in inflight.
func (p *transferPool) launch(ctx context.Context, sl *transferSlot, length int) {
	sl.ctx = ctx
	sl.setState(transferSubmitted)
	p.inflight.Add(1)
	go func() {
		tctx, done := context.WithTimeout(ctx, p.timeout)
		n, err := p.xfer(tctx, sl.buf[:length])
		done()
		sl.n, sl.err = n, err
		p.events <- sl
	}()
}

// complete runs on the completion goroutine for every finished transfer.
// A transfer whose context was cancelled, or whose device is gone, is
// retired; any other outcome, including I/O errors and timeouts, is passed
// to the sink and the slot is resubmitted.
func (p *transferPool) complete(sl *transferSlot) {
	defer p.inflight.Done()

	if sl.ctx.Err() != nil {
		sl.setState(transferCancelled)
		glog.V(2).Infof("%s transfer %d cancelled", p.name, sl.index)
		return
	}
	if isNoDevice(sl.err) {
		sl.setState(transferCancelled)
		glog.Warningf("%s transfer %d retired, device gone: %v", p.name, sl.index, sl.err)
		return
	}
	sl.setState(transferCompleted)
	if sl.err != nil {
		glog.V(2).Infof("%s transfer %d failed after %d bytes: %v", p.name, sl.index, sl.n, sl.err)
	}
	p.sink.complete(sl.buf, sl.n, sl.err)
	p.submit(sl.ctx, sl)
}

// isNoDevice reports whether err means the device has been disconnected,
// either at submission or as the transfer status.
func isNoDevice(err error) bool {
	return errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice)
}

// stop cancels every transfer and waits until each one has been retired.
// Slots that are not in flight count as already cancelled. If the transfers
// are not released within timeout the pool is marked broken.
func (p *transferPool) stop(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.cancel()
	p.running = false

	for _, sl := range p.slots {
		if st := sl.loadState(); st != transferSubmitted {
			glog.V(2).Infof("%s transfer %d not in flight (%v), nothing to cancel", p.name, sl.index, st)
		}
	}

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		glog.V(1).Infof("Stopped %s transfers", p.name)
		return nil
	case <-time.After(timeout):
		p.broken = true
		return fmt.Errorf("%w: %s transfers not cancelled after %v", ErrConnection, p.name, timeout)
	}
}

func (p *transferPool) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// submittedCount returns the number of slots currently in flight.
func (p *transferPool) submittedCount() int {
	n := 0
	for _, sl := range p.slots {
		if sl.loadState() == transferSubmitted {
			n++
		}
	}
	return n
}

// handleEvents is the Session's completion goroutine. It lives from Open to
// Close regardless of how often streaming is started and stopped.
func (s *Session) handleEvents() {
	defer close(s.eventsDone)
	for {
		select {
		case sl := <-s.events:
			sl.pool.complete(sl)
		case <-s.quit:
			return
		}
	}
}
