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
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/go-freesrp/iq"
	"github.com/google/go-freesrp/ring"
)

// RXFunc receives every decoded RX buffer. It runs on the completion
// goroutine and must not retain samples after returning.
type RXFunc func(samples []iq.Sample)

// TXFunc fills samples with the next TX buffer. It runs on the completion
// goroutine; samples is zeroed before each call.
type TXFunc func(samples []iq.Sample)

// rxSink decodes RX transfers into a callback or the RX queue.
type rxSink struct {
	queue     *ring.Queue[iq.Sample]
	batch     []iq.Sample
	fn        RXFunc
	overflows atomic.Uint64
}

func (r *rxSink) prepare(buf []byte) int {
	return len(buf)
}

func (r *rxSink) complete(buf []byte, n int, err error) {
	if err != nil {
		return
	}
	samples := r.batch[:iq.DecodeSamples(r.batch, buf[:n])]
	if r.fn != nil {
		r.fn(samples)
		return
	}
	for i, s := range samples {
		if !r.queue.TryPush(s) {
			dropped := len(samples) - i
			r.overflows.Add(uint64(dropped))
			glog.V(2).Infof("RX queue full, dropped %d samples", dropped)
			return
		}
	}
}

// txSink encodes samples from a callback or the TX queue into TX transfers.
type txSink struct {
	queue      *ring.Queue[iq.Sample]
	batch      []iq.Sample
	fn         TXFunc
	underflows atomic.Uint64
}

func (t *txSink) prepare(buf []byte) int {
	samples := t.batch[:len(buf)/iq.BytesPerSample]
	clear(samples)
	if t.fn != nil {
		t.fn(samples)
	} else {
		for i := range samples {
			s, ok := t.queue.TryPop()
			if !ok {
				t.underflows.Add(uint64(len(samples) - i))
				break
			}
			samples[i] = s
		}
	}
	return iq.EncodeSamples(buf, samples) * iq.BytesPerSample
}

func (t *txSink) complete(buf []byte, n int, err error) {
	if err != nil {
		glog.Warningf("TX transfer error after %d bytes: %v", n, err)
		return
	}
	if want := len(t.batch) * iq.BytesPerSample; n != want {
		glog.Warningf("TX transfer wrote %d bytes, want %d", n, want)
	}
}

// StartRX starts streaming received samples. If fn is nil, samples are
// queued for RXSample; otherwise every decoded buffer is passed to fn.
func (s *Session) StartRX(fn RXFunc) error {
	return s.rx.start(s.baseCtx, func() {
		s.rxSink.fn = fn
	})
}

// StopRX cancels all RX transfers and waits for their release.
func (s *Session) StopRX() error {
	return s.rx.stop(s.conf.cancelTimeout())
}

// StartTX starts streaming transmitted samples. If fn is nil, samples are
// taken from the TX queue, which is first filled with zero samples; otherwise
// fn fills every buffer.
func (s *Session) StartTX(fn TXFunc) error {
	return s.tx.start(s.baseCtx, func() {
		s.txSink.fn = fn
		if fn == nil {
			for s.txQueue.TryPush(iq.Sample{}) {
			}
		}
	})
}

// StopTX cancels all TX transfers and waits for their release.
func (s *Session) StopTX() error {
	return s.tx.stop(s.conf.cancelTimeout())
}

// RXSample pops one received sample. ok is false if none is available.
func (s *Session) RXSample() (sample iq.Sample, ok bool) {
	return s.rxQueue.TryPop()
}

// AvailableRX returns the approximate number of queued RX samples.
func (s *Session) AvailableRX() int {
	return s.rxQueue.ApproxLen()
}

// TXSample queues one sample for transmission and reports whether there was
// room for it.
func (s *Session) TXSample(sample iq.Sample) bool {
	return s.txQueue.TryPush(sample)
}

// Overflows returns the number of RX samples dropped because the RX queue
// was full.
func (s *Session) Overflows() uint64 {
	return s.rxSink.overflows.Load()
}

// Underflows returns the number of TX samples sent as zero because the TX
// queue was empty.
func (s *Session) Underflows() uint64 {
	return s.txSink.underflows.Load()
}

// ReadBuffer performs a single synchronous bulk read from the RX endpoint.
// It fails with ErrBusy while RX streaming is active.
func (s *Session) ReadBuffer(p []byte) (int, error) {
	if s.rx.isRunning() {
		return 0, fmt.Errorf("%w: rx", ErrBusy)
	}
	ctx, done := context.WithTimeout(s.baseCtx, s.conf.usbTimeout())
	defer done()
	n, err := s.rxInEp.ReadContext(ctx, p)
	if err != nil {
		return n, fmt.Errorf("%w: s.rxInEp.ReadContext(_, %d bytes) = %v, %v, want nil error", ErrConnection, len(p), n, err)
	}
	glog.V(2).Infof("[RX]: read %d bytes. data[:%d]:\n%s", n, min(n, 32), hex.Dump(p[:min(n, 32)]))
	return n, nil
}

// WriteBuffer performs a single synchronous bulk write to the TX endpoint.
// It fails with ErrBusy while TX streaming is active.
func (s *Session) WriteBuffer(p []byte) (int, error) {
	if s.tx.isRunning() {
		return 0, fmt.Errorf("%w: tx", ErrBusy)
	}
	return s.bulkWrite(p, s.conf.usbTimeout())
}

func (s *Session) bulkWrite(p []byte, timeout time.Duration) (int, error) {
	ctx, done := context.WithTimeout(s.baseCtx, timeout)
	defer done()
	n, err := s.txOutEp.WriteContext(ctx, p)
	if err != nil || n != len(p) {
		return n, fmt.Errorf("%w: s.txOutEp.WriteContext(_, %d bytes) = %v, %v, want n=%d and nil error", ErrConnection, len(p), n, err, len(p))
	}
	glog.V(2).Infof("[TX]: wrote %d bytes. data[:%d]:\n%s", n, min(n, 32), hex.Dump(p[:min(n, 32)]))
	return n, nil
}
