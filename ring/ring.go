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

// Package ring provides a bounded single-producer/single-consumer queue.
package ring

import (
	"fmt"
	"sync/atomic"
)

const cacheLineSize = 64

// Queue is a fixed capacity FIFO safe for exactly one goroutine pushing
// and one goroutine popping at a time. Neither side ever blocks.
type Queue[T any] struct {
	buf []T
	cap uint64

	// head counts pops and is written only by the consumer.
	head atomic.Uint64
	_    [cacheLineSize - 8]byte
	// tail counts pushes and is written only by the producer.
	tail atomic.Uint64
	_    [cacheLineSize - 8]byte
}

// New returns an empty queue holding up to capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		panic(fmt.Sprintf("ring.New(%d): capacity must be positive", capacity))
	}
	return &Queue[T]{
		buf: make([]T, capacity),
		cap: uint64(capacity),
	}
}

// TryPush appends v and reports whether there was room for it.
func (q *Queue[T]) TryPush(v T) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= q.cap {
		return false
	}
	q.buf[tail%q.cap] = v
	q.tail.Store(tail + 1)
	return true
}

// TryPop removes the oldest item. ok is false if the queue is empty.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	head := q.head.Load()
	if head == q.tail.Load() {
		return v, false
	}
	i := head % q.cap
	v = q.buf[i]
	var zero T
	q.buf[i] = zero
	q.head.Store(head + 1)
	return v, true
}

// ApproxLen returns the number of queued items. The value may be stale by
// the time it is used if the other side is active.
func (q *Queue[T]) ApproxLen() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return int(q.cap)
}
