// Copyright 2024 PMU Sensor, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package perf

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pmusensor/perfevent/pkg/config"

	"golang.org/x/sys/unix"
)

type ringBuffer struct {
	fd       int
	memory   []byte
	metadata *metadata
	data     []byte
	scratch  []byte
}

func newRingBuffer(fd int, pageCount int) (*ringBuffer, error) {
	pageSize := os.Getpagesize()

	if pageCount <= 0 {
		pageCount = config.Perf.RingBufferPages
	}
	if pageCount&(pageCount-1) != 0 {
		return nil, &ConfigurationError{
			"ring buffer page count must be a power of two",
		}
	}

	memory, err := unix.Mmap(fd, 0, (pageCount+1)*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &MmapError{err}
	}

	rb := &ringBuffer{
		fd:       fd,
		memory:   memory,
		metadata: (*metadata)(unsafe.Pointer(&memory[0])),
		data:     memory[pageSize:],
	}

	for {
		seq := atomic.LoadUint32(&rb.metadata.Lock)
		if seq%2 != 0 {
			// seqlock must be even before values are read
			continue
		}

		version := atomic.LoadUint32(&rb.metadata.Version)
		compatVersion := atomic.LoadUint32(&rb.metadata.CompatVersion)

		if atomic.LoadUint32(&rb.metadata.Lock) != seq {
			// seqlock must be even and the same after values have been read
			continue
		}

		if version != 0 || compatVersion != 0 {
			unix.Munmap(memory)
			return nil, &MmapError{
				errors.New("incompatible ring buffer memory layout version"),
			}
		}

		break
	}

	return rb, nil
}

func (rb *ringBuffer) unmap() error {
	return unix.Munmap(rb.memory)
}

// record copies the bytes at logical buffer position pos into a
// contiguous slice, handling records that wrap the physical end of the
// buffer. The returned slice is only valid until the next call.
func (rb *ringBuffer) record(pos uint64, size int) []byte {
	begin := pos % uint64(len(rb.data))
	end := begin + uint64(size)
	if end <= uint64(len(rb.data)) {
		return rb.data[begin:end]
	}

	if cap(rb.scratch) < size {
		rb.scratch = make([]byte, size)
	}
	rb.scratch = rb.scratch[:size]
	n := copy(rb.scratch, rb.data[begin:])
	copy(rb.scratch[n:], rb.data)
	return rb.scratch
}

// drain walks every pending record, invoking f with each record's raw
// bytes, then releases the consumed range back to the kernel. A
// non-nil error from detection of overrun or corruption resynchronizes
// the buffer so the next drain starts clean.
func (rb *ringBuffer) drain(f func(data []byte)) error {
	dataTail := rb.metadata.DataTail
	dataHead := atomic.LoadUint64(&rb.metadata.DataHead)

	for dataTail < dataHead {
		if dataHead-dataTail > uint64(len(rb.data)) {
			// the kernel lapped us, everything in the buffer is suspect
			atomic.StoreUint64(&rb.metadata.DataTail, dataHead)
			return ErrOverrun
		}

		for dataTail+sizeofRecordHeader <= dataHead {
			header := rb.record(dataTail, sizeofRecordHeader)
			size := uint64(binary.LittleEndian.Uint16(header[6:]))
			if size < sizeofRecordHeader || dataTail+size > dataHead {
				atomic.StoreUint64(&rb.metadata.DataTail, dataHead)
				return errors.New("corrupt record header in ring buffer")
			}

			f(rb.record(dataTail, int(size)))
			dataTail += size
		}

		atomic.StoreUint64(&rb.metadata.DataTail, dataTail)

		// pick up records written while we were draining
		prevHead := dataHead
		dataHead = atomic.LoadUint64(&rb.metadata.DataHead)
		if dataHead == prevHead {
			break
		}
	}

	return nil
}

// RingBufferReader consumes sample records from a sampling counter's
// memory-mapped ring buffer. Records arrive via Drain after Poll (or an
// external poller on the counter's fd) signals readiness. Methods on a
// single reader must not be called concurrently with each other.
type RingBufferReader struct {
	mu      sync.Mutex
	counter *Counter
	rb      *ringBuffer
	closed  bool
}

// NewRingBufferReader maps a ring buffer of pageCount data pages (a
// power of two; 0 selects the configured default) over the counter's
// fd. The counter must have a sampling configuration, otherwise the
// kernel never writes records and the mapping is refused.
func NewRingBufferReader(c *Counter, pageCount int) (*RingBufferReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if !c.attr.isSampling() {
		return nil, &ConfigurationError{
			"counter has no sampling configuration",
		}
	}

	rb, err := newRingBuffer(c.fd, pageCount)
	if err != nil {
		return nil, err
	}

	return &RingBufferReader{counter: c, rb: rb}, nil
}

// pollTimeoutMs converts a timeout to poll(2) milliseconds. Negative
// durations block indefinitely. Positive durations under a millisecond
// round up to one so they still wait instead of degrading to a
// non-blocking poll.
func pollTimeoutMs(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

// Poll blocks until the ring buffer has data to read, the timeout
// expires, or the counter's target exits. It reports whether data is
// ready; an interrupted wait reports no data and no error so callers
// can simply retry.
func (r *RingBufferReader) Poll(timeout time.Duration) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	fd := r.counter.fd
	r.mu.Unlock()

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, pollTimeoutMs(timeout))
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, ioError("poll", err)
	}
	if n == 0 {
		return false, nil
	}
	return fds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0, nil
}

// Drain passes every pending record to fn and releases the consumed
// space back to the kernel. When the kernel overwrote unread data the
// buffer is resynchronized and Drain returns ErrOverrun; records read
// before the overrun was detected were already delivered and are not
// redelivered.
func (r *RingBufferReader) Drain(fn func(RawRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	return r.rb.drain(func(data []byte) {
		raw := RawRecord{
			Header: RecordHeader{
				Type: binary.LittleEndian.Uint32(data[0:]),
				Misc: binary.LittleEndian.Uint16(data[4:]),
				Size: binary.LittleEndian.Uint16(data[6:]),
			},
		}
		raw.Data = make([]byte, len(data)-sizeofRecordHeader)
		copy(raw.Data, data[sizeofRecordHeader:])
		fn(raw)
	})
}

// Close unmaps the ring buffer. The counter stays open. Closing twice
// is a no-op.
func (r *RingBufferReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.rb.unmap(); err != nil {
		return &MmapError{err}
	}
	return nil
}
