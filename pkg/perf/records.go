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
	"bytes"
	"errors"
	"math/bits"
)

// RawRecord is one undecoded ring buffer record: the fixed header plus
// the type-specific payload bytes.
type RawRecord struct {
	Header RecordHeader
	Data   []byte
}

// Record is a decoded ring buffer record. Payload holds one of the
// *Record types below, or an OpaqueRecord for types this package does
// not interpret. SampleID is populated for non-sample records when the
// counter was opened with sample_id_all.
type Record struct {
	Header   RecordHeader
	Payload  interface{}
	SampleID SampleID
}

// SampleID is the identifier trailer the kernel appends to non-sample
// records when sample_id_all is set. Which fields are valid depends on
// the counter's sample type.
type SampleID struct {
	PID      uint32
	TID      uint32
	Time     uint64
	ID       uint64
	StreamID uint64
	CPU      uint32
}

// SampleRecord is a PERF_RECORD_SAMPLE: one counter overflow, carrying
// the fields selected by the counter's sample type. Unselected fields
// are zero.
type SampleRecord struct {
	SampleID    uint64
	IP          uint64
	PID         uint32
	TID         uint32
	Time        uint64
	Addr        uint64
	ID          uint64
	StreamID    uint64
	CPU         uint32
	Period      uint64
	V           CounterGroup
	IPs         []uint64
	RawData     []byte
	Branches    []BranchEntry
	UserRegsABI uint64
	UserRegs    []uint64
}

// CounterGroup is the PERF_SAMPLE_READ payload: the sampled counter's
// value, or every group member's value when the counter reads as a
// group.
type CounterGroup struct {
	TimeEnabled uint64
	TimeRunning uint64
	Values      []CounterGroupValue
}

// CounterGroupValue is one counter's slot in a sampled group read.
type CounterGroupValue struct {
	ID    uint64
	Value uint64
}

// BranchEntry is one taken branch in a PERF_SAMPLE_BRANCH_STACK
// payload.
type BranchEntry struct {
	From      uint64
	To        uint64
	Mispred   bool
	Predicted bool
	InTx      bool
	Abort     bool
	Cycles    uint16
}

// MmapRecord is a PERF_RECORD_MMAP: the target mapped a file or
// anonymous region.
type MmapRecord struct {
	PID      uint32
	TID      uint32
	Addr     uint64
	Len      uint64
	Pgoff    uint64
	Filename string
}

// CommRecord is a PERF_RECORD_COMM: the target changed its command
// name.
type CommRecord struct {
	PID  uint32
	TID  uint32
	Comm string
}

// ExitRecord is a PERF_RECORD_EXIT: a task in the target exited.
type ExitRecord struct {
	PID  uint32
	PPID uint32
	TID  uint32
	PTID uint32
	Time uint64
}

// ForkRecord is a PERF_RECORD_FORK: a task in the target forked.
type ForkRecord struct {
	PID  uint32
	PPID uint32
	TID  uint32
	PTID uint32
	Time uint64
}

// LostRecord is a PERF_RECORD_LOST: the kernel dropped Lost records
// because the ring buffer was full.
type LostRecord struct {
	ID   uint64
	Lost uint64
}

// ThrottleRecord is a PERF_RECORD_THROTTLE or PERF_RECORD_UNTHROTTLE:
// the kernel limited the counter's interrupt rate.
type ThrottleRecord struct {
	Enabled  bool
	Time     uint64
	ID       uint64
	StreamID uint64
}

// OpaqueRecord carries the payload of a record type this package does
// not decode. The bytes are a copy and stay valid indefinitely.
type OpaqueRecord struct {
	Data []byte
}

var errRecordTruncated = errors.New("record payload truncated")

// cursor reads little-endian fields from a record payload, remembering
// a truncation error instead of panicking so decode paths stay linear.
type cursor struct {
	data []byte
	pos  int
	err  error
}

func (c *cursor) u32() uint32 {
	if c.err != nil || c.pos+4 > len(c.data) {
		c.err = errRecordTruncated
		return 0
	}
	v := uint32(c.data[c.pos]) | uint32(c.data[c.pos+1])<<8 |
		uint32(c.data[c.pos+2])<<16 | uint32(c.data[c.pos+3])<<24
	c.pos += 4
	return v
}

func (c *cursor) u64() uint64 {
	lo := c.u32()
	hi := c.u32()
	return uint64(lo) | uint64(hi)<<32
}

func (c *cursor) bytes(n int) []byte {
	if c.err != nil || n < 0 || c.pos+n > len(c.data) {
		c.err = errRecordTruncated
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

// cstring consumes the rest of the payload up to the first NUL,
// skipping the alignment padding the kernel adds after strings.
func (c *cursor) cstring() string {
	if c.err != nil {
		return ""
	}
	rest := c.data[c.pos:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		i = len(rest)
	}
	c.pos = len(c.data)
	return string(rest[:i])
}

// DecodeRecord interprets a raw record's payload using the attribute
// the originating counter was opened with. Records of types this
// package does not understand decode to an OpaqueRecord rather than an
// error, so readers keep working against newer kernels.
func DecodeRecord(raw RawRecord, attr *EventAttr) (Record, error) {
	rec := Record{Header: raw.Header}
	c := &cursor{data: raw.Data}

	switch raw.Header.Type {
	case PERF_RECORD_SAMPLE:
		sample, err := decodeSample(c, attr)
		if err != nil {
			return Record{}, err
		}
		rec.Payload = sample
		return rec, nil

	case PERF_RECORD_MMAP:
		rec.Payload = MmapRecord{
			PID:      c.u32(),
			TID:      c.u32(),
			Addr:     c.u64(),
			Len:      c.u64(),
			Pgoff:    c.u64(),
			Filename: c.cstring(),
		}

	case PERF_RECORD_COMM:
		rec.Payload = CommRecord{
			PID:  c.u32(),
			TID:  c.u32(),
			Comm: c.cstring(),
		}

	case PERF_RECORD_EXIT:
		rec.Payload = ExitRecord{
			PID:  c.u32(),
			PPID: c.u32(),
			TID:  c.u32(),
			PTID: c.u32(),
			Time: c.u64(),
		}

	case PERF_RECORD_FORK:
		rec.Payload = ForkRecord{
			PID:  c.u32(),
			PPID: c.u32(),
			TID:  c.u32(),
			PTID: c.u32(),
			Time: c.u64(),
		}

	case PERF_RECORD_LOST:
		rec.Payload = LostRecord{
			ID:   c.u64(),
			Lost: c.u64(),
		}

	case PERF_RECORD_THROTTLE, PERF_RECORD_UNTHROTTLE:
		rec.Payload = ThrottleRecord{
			Enabled:  raw.Header.Type == PERF_RECORD_UNTHROTTLE,
			Time:     c.u64(),
			ID:       c.u64(),
			StreamID: c.u64(),
		}

	default:
		data := make([]byte, len(raw.Data))
		copy(data, raw.Data)
		rec.Payload = OpaqueRecord{Data: data}
		return rec, nil
	}

	if c.err != nil {
		return Record{}, c.err
	}

	if attr != nil && attr.SampleIDAll {
		sid, err := decodeSampleID(raw.Data, attr.SampleType)
		if err != nil {
			return Record{}, err
		}
		rec.SampleID = sid
	}

	return rec, nil
}

// decodeSampleID reads the identifier trailer from the tail of a
// non-sample record payload. The trailer's layout follows the sample
// type in reverse from the end of the record.
func decodeSampleID(data []byte, sampleType uint64) (SampleID, error) {
	size := 0
	for _, bit := range []uint64{
		PERF_SAMPLE_TID, PERF_SAMPLE_TIME, PERF_SAMPLE_ID,
		PERF_SAMPLE_STREAM_ID, PERF_SAMPLE_CPU, PERF_SAMPLE_IDENTIFIER,
	} {
		if sampleType&bit != 0 {
			size += 8
		}
	}
	if size > len(data) {
		return SampleID{}, errRecordTruncated
	}

	var sid SampleID
	c := &cursor{data: data, pos: len(data) - size}
	if sampleType&PERF_SAMPLE_TID != 0 {
		sid.PID = c.u32()
		sid.TID = c.u32()
	}
	if sampleType&PERF_SAMPLE_TIME != 0 {
		sid.Time = c.u64()
	}
	if sampleType&PERF_SAMPLE_ID != 0 {
		sid.ID = c.u64()
	}
	if sampleType&PERF_SAMPLE_STREAM_ID != 0 {
		sid.StreamID = c.u64()
	}
	if sampleType&PERF_SAMPLE_CPU != 0 {
		sid.CPU = c.u32()
		c.u32() // res
	}
	if sampleType&PERF_SAMPLE_IDENTIFIER != 0 {
		sid.ID = c.u64()
	}
	return sid, c.err
}

// decodeSample reads a PERF_RECORD_SAMPLE payload in the kernel's
// field order for the counter's sample type.
func decodeSample(c *cursor, attr *EventAttr) (SampleRecord, error) {
	if attr == nil {
		return SampleRecord{}, errors.New("sample decoding requires the counter attribute")
	}
	st := attr.SampleType

	var s SampleRecord
	if st&PERF_SAMPLE_IDENTIFIER != 0 {
		s.SampleID = c.u64()
	}
	if st&PERF_SAMPLE_IP != 0 {
		s.IP = c.u64()
	}
	if st&PERF_SAMPLE_TID != 0 {
		s.PID = c.u32()
		s.TID = c.u32()
	}
	if st&PERF_SAMPLE_TIME != 0 {
		s.Time = c.u64()
	}
	if st&PERF_SAMPLE_ADDR != 0 {
		s.Addr = c.u64()
	}
	if st&PERF_SAMPLE_ID != 0 {
		s.ID = c.u64()
		s.SampleID = s.ID
	}
	if st&PERF_SAMPLE_STREAM_ID != 0 {
		s.StreamID = c.u64()
	}
	if st&PERF_SAMPLE_CPU != 0 {
		s.CPU = c.u32()
		c.u32() // res
	}
	if st&PERF_SAMPLE_PERIOD != 0 {
		s.Period = c.u64()
	}
	if st&PERF_SAMPLE_READ != 0 {
		s.V = decodeSampleRead(c, attr.ReadFormat)
	}
	if st&PERF_SAMPLE_CALLCHAIN != 0 {
		nr := c.u64()
		if c.err == nil && nr > uint64(len(c.data))/8 {
			c.err = errRecordTruncated
		}
		if c.err == nil {
			s.IPs = make([]uint64, nr)
			for i := range s.IPs {
				s.IPs[i] = c.u64()
			}
		}
	}
	if st&PERF_SAMPLE_RAW != 0 {
		n := c.u32()
		raw := c.bytes(int(n))
		if c.err == nil {
			s.RawData = make([]byte, len(raw))
			copy(s.RawData, raw)
		}
	}
	if st&PERF_SAMPLE_BRANCH_STACK != 0 {
		nr := c.u64()
		if c.err == nil && nr > uint64(len(c.data))/24 {
			c.err = errRecordTruncated
		}
		if c.err == nil {
			s.Branches = make([]BranchEntry, nr)
			for i := range s.Branches {
				from := c.u64()
				to := c.u64()
				flags := c.u64()
				s.Branches[i] = BranchEntry{
					From:      from,
					To:        to,
					Mispred:   flags&(1<<0) != 0,
					Predicted: flags&(1<<1) != 0,
					InTx:      flags&(1<<2) != 0,
					Abort:     flags&(1<<3) != 0,
					Cycles:    uint16((flags >> 4) & 0xffff),
				}
			}
		}
	}
	if st&PERF_SAMPLE_REGS_USER != 0 {
		s.UserRegsABI = c.u64()
		if s.UserRegsABI != 0 {
			nregs := bits.OnesCount64(attr.SampleRegsUser)
			s.UserRegs = make([]uint64, nregs)
			for i := range s.UserRegs {
				s.UserRegs[i] = c.u64()
			}
		}
	}

	return s, c.err
}

func decodeSampleRead(c *cursor, readFormat uint64) CounterGroup {
	var cg CounterGroup

	if readFormat&PERF_FORMAT_GROUP != 0 {
		nr := c.u64()
		if readFormat&PERF_FORMAT_TOTAL_TIME_ENABLED != 0 {
			cg.TimeEnabled = c.u64()
		}
		if readFormat&PERF_FORMAT_TOTAL_TIME_RUNNING != 0 {
			cg.TimeRunning = c.u64()
		}
		if c.err == nil && nr > uint64(len(c.data))/16 {
			c.err = errRecordTruncated
			return cg
		}
		if c.err == nil {
			cg.Values = make([]CounterGroupValue, nr)
			for i := range cg.Values {
				cg.Values[i].Value = c.u64()
				if readFormat&PERF_FORMAT_ID != 0 {
					cg.Values[i].ID = c.u64()
				}
			}
		}
		return cg
	}

	value := c.u64()
	if readFormat&PERF_FORMAT_TOTAL_TIME_ENABLED != 0 {
		cg.TimeEnabled = c.u64()
	}
	if readFormat&PERF_FORMAT_TOTAL_TIME_RUNNING != 0 {
		cg.TimeRunning = c.u64()
	}
	var id uint64
	if readFormat&PERF_FORMAT_ID != 0 {
		id = c.u64()
	}
	cg.Values = []CounterGroupValue{{ID: id, Value: value}}
	return cg
}
