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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRingBuffer builds a ring buffer over plain memory so the cursor
// protocol can be exercised without a kernel mapping.
func testRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		fd:       -1,
		metadata: &metadata{DataSize: uint64(size)},
		data:     make([]byte, size),
	}
}

// putRecord writes a record with the given type and payload at logical
// position pos, wrapping at the physical end of the buffer, and returns
// the position after the record.
func putRecord(rb *ringBuffer, pos uint64, recordType uint32, payload []byte) uint64 {
	record := make([]byte, sizeofRecordHeader+len(payload))
	binary.LittleEndian.PutUint32(record[0:], recordType)
	binary.LittleEndian.PutUint16(record[6:], uint16(len(record)))
	copy(record[sizeofRecordHeader:], payload)

	for i, b := range record {
		rb.data[(pos+uint64(i))%uint64(len(rb.data))] = b
	}
	return pos + uint64(len(record))
}

func TestRingBufferDrain(t *testing.T) {
	rb := testRingBuffer(4096)

	pos := putRecord(rb, 0, PERF_RECORD_SAMPLE, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	pos = putRecord(rb, pos, PERF_RECORD_EXIT, make([]byte, 24))
	rb.metadata.DataHead = pos

	var got []uint32
	err := rb.drain(func(data []byte) {
		got = append(got, binary.LittleEndian.Uint32(data[0:]))
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{PERF_RECORD_SAMPLE, PERF_RECORD_EXIT}, got)
	assert.Equal(t, pos, rb.metadata.DataTail)

	// nothing is redelivered
	got = nil
	require.NoError(t, rb.drain(func(data []byte) {
		got = append(got, binary.LittleEndian.Uint32(data[0:]))
	}))
	assert.Empty(t, got)
}

func TestRingBufferDrainWrapped(t *testing.T) {
	payload := []byte{0xca, 0xfe, 0xba, 0xbe, 0x11, 0x22, 0x33, 0x44}

	// write the same record unwrapped and straddling the buffer end
	flat := testRingBuffer(256)
	flatEnd := putRecord(flat, 0, PERF_RECORD_SAMPLE, payload)
	flat.metadata.DataHead = flatEnd

	wrapped := testRingBuffer(256)
	start := uint64(256 - sizeofRecordHeader - len(payload)/2)
	wrappedEnd := putRecord(wrapped, start, PERF_RECORD_SAMPLE, payload)
	wrapped.metadata.DataHead = wrappedEnd
	wrapped.metadata.DataTail = start

	var flatData, wrappedData []byte
	require.NoError(t, flat.drain(func(data []byte) {
		flatData = append([]byte(nil), data...)
	}))
	require.NoError(t, wrapped.drain(func(data []byte) {
		wrappedData = append([]byte(nil), data...)
	}))

	assert.Equal(t, flatData, wrappedData)
	assert.Equal(t, wrappedEnd, wrapped.metadata.DataTail)
}

func TestRingBufferOverrun(t *testing.T) {
	rb := testRingBuffer(256)

	// the kernel lapped the consumer by more than a full buffer
	rb.metadata.DataTail = 0
	rb.metadata.DataHead = 1000

	err := rb.drain(func(data []byte) {
		t.Error("no record should be delivered from an overrun buffer")
	})
	assert.Equal(t, ErrOverrun, err)

	// the cursor resynchronized, the next drain starts clean
	assert.Equal(t, uint64(1000), rb.metadata.DataTail)

	pos := putRecord(rb, 1000, PERF_RECORD_SAMPLE, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	rb.metadata.DataHead = pos

	delivered := 0
	require.NoError(t, rb.drain(func(data []byte) { delivered++ }))
	assert.Equal(t, 1, delivered)
}

func TestRingBufferCorruptHeader(t *testing.T) {
	rb := testRingBuffer(256)

	// a record size smaller than the header is impossible
	binary.LittleEndian.PutUint16(rb.data[6:], 4)
	rb.metadata.DataHead = 16

	err := rb.drain(func(data []byte) {
		t.Error("no record should be delivered from a corrupt buffer")
	})
	require.Error(t, err)
	assert.NotEqual(t, ErrOverrun, err)
	assert.Equal(t, uint64(16), rb.metadata.DataTail)
}

func TestRingBufferReaderDrain(t *testing.T) {
	rb := testRingBuffer(4096)
	pos := putRecord(rb, 0, PERF_RECORD_COMM, []byte("payload!"))
	rb.metadata.DataHead = pos

	r := &RingBufferReader{counter: &Counter{fd: -1}, rb: rb}

	var records []RawRecord
	require.NoError(t, r.Drain(func(raw RawRecord) {
		records = append(records, raw)
	}))

	require.Len(t, records, 1)
	assert.Equal(t, PERF_RECORD_COMM, records[0].Header.Type)
	assert.Equal(t, uint16(sizeofRecordHeader+8), records[0].Header.Size)
	assert.Equal(t, []byte("payload!"), records[0].Data)

	r.closed = true
	assert.Equal(t, ErrClosed, r.Drain(func(RawRecord) {}))
}

func TestPollTimeoutMs(t *testing.T) {
	assert.Equal(t, -1, pollTimeoutMs(-1))
	assert.Equal(t, -1, pollTimeoutMs(-time.Second))
	assert.Equal(t, 0, pollTimeoutMs(0))
	assert.Equal(t, 1, pollTimeoutMs(500*time.Microsecond))
	assert.Equal(t, 1, pollTimeoutMs(time.Millisecond))
	assert.Equal(t, 2, pollTimeoutMs(2*time.Millisecond))
	assert.Equal(t, 3, pollTimeoutMs(2*time.Millisecond+time.Microsecond))
}
