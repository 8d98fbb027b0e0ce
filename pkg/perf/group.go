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
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// Group schedules a set of counters on and off the PMU together so
// their values are directly comparable, and reads them all atomically
// through the leader's fd. The first counter added becomes the leader.
// All methods are safe for concurrent use.
type Group struct {
	mu      sync.Mutex
	target  Target
	members []*Counter
	closed  bool
}

// GroupReading is one atomic read of every counter in a group. Values
// are in the order the counters were added. TimeEnabled and TimeRunning
// are shared by all members since the group schedules as a unit.
type GroupReading struct {
	TimeEnabled uint64
	TimeRunning uint64
	Values      []GroupValue
}

// GroupValue is one counter's slot in a group reading.
type GroupValue struct {
	ID    uint64
	Value uint64
}

// Scaled estimates the full-window count for one group member, using
// the reading's shared enabled and running times.
func (r GroupReading) Scaled(i int) uint64 {
	cv := CounterValue{
		Value:       r.Values[i].Value,
		TimeEnabled: r.TimeEnabled,
		TimeRunning: r.TimeRunning,
	}
	return cv.Scaled()
}

// NewGroup creates an empty counter group observing target. Counters
// are added with Add; the group owns every counter it opens.
func NewGroup(target Target) (*Group, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	return &Group{target: target}, nil
}

// Add opens a counter for the selector inside the group and returns
// it. The first counter added becomes the group leader and is opened
// disabled; later members follow the leader's scheduling. The read
// format is extended so group reads carry ids and running times. On
// failure previously added members stay open; the caller decides
// whether to close the group.
func (g *Group) Add(sel EventSelector, options ...AttrOption) (*Counter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}

	attr, err := BuildAttr(sel, options...)
	if err != nil {
		return nil, err
	}

	a := *attr
	a.ReadFormat |= PERF_FORMAT_GROUP | PERF_FORMAT_ID |
		PERF_FORMAT_TOTAL_TIME_ENABLED | PERF_FORMAT_TOTAL_TIME_RUNNING

	groupFd := -1
	if len(g.members) == 0 {
		// the leader carries the group's enable state
		a.Disabled = true
	} else {
		a.Disabled = false
		groupFd = g.members[0].fd
	}

	c, err := openCounter(&a, g.target, groupFd)
	if err != nil {
		return nil, err
	}
	c.grouped = true
	g.members = append(g.members, c)
	return c, nil
}

func (g *Group) leader() *Counter {
	if len(g.members) == 0 {
		return nil
	}
	return g.members[0]
}

// groupIoctl issues one leader ioctl that the kernel applies to every
// member atomically.
func (g *Group) groupIoctl(request uintptr, op string) error {
	if g.closed {
		return ErrClosed
	}
	l := g.leader()
	if l == nil {
		return &ConfigurationError{"group has no counters"}
	}
	return ioctl(l.fd, request, PERF_EVENT_IOC_FLAG_GROUP, op)
}

// Enable starts every counter in the group at once via the leader.
func (g *Group) Enable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupIoctl(PERF_EVENT_IOC_ENABLE, "enable")
}

// Disable stops every counter in the group at once via the leader.
func (g *Group) Disable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupIoctl(PERF_EVENT_IOC_DISABLE, "disable")
}

// Reset zeroes every counter in the group.
func (g *Group) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupIoctl(PERF_EVENT_IOC_RESET, "reset")
}

// Read reads every counter atomically through the leader. Values come
// back in the order counters were added regardless of the order the
// kernel reports them.
func (g *Group) Read() (GroupReading, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return GroupReading{}, ErrClosed
	}
	l := g.leader()
	if l == nil {
		return GroupReading{}, &ConfigurationError{"group has no counters"}
	}

	// nr + time_enabled + time_running + (value, id) per member
	buf := make([]byte, 8*(3+2*len(g.members)))
	n, err := unix.Read(l.fd, buf)
	if err != nil {
		return GroupReading{}, ioError("read", err)
	}

	return parseGroupReading(buf[:n], g.members)
}

func parseGroupReading(buf []byte, members []*Counter) (GroupReading, error) {
	want := 8 * (3 + 2*len(members))
	if len(buf) < want {
		return GroupReading{}, &GroupReadError{Want: want, Got: len(buf)}
	}

	nr := binary.LittleEndian.Uint64(buf[0:])
	if nr != uint64(len(members)) {
		return GroupReading{}, &GroupReadError{
			Want: len(members), Got: int(nr),
		}
	}

	reading := GroupReading{
		TimeEnabled: binary.LittleEndian.Uint64(buf[8:]),
		TimeRunning: binary.LittleEndian.Uint64(buf[16:]),
		Values:      make([]GroupValue, len(members)),
	}

	// the kernel reports members in its own order; demux by id back
	// into membership order
	byID := make(map[uint64]int, len(members))
	for i, m := range members {
		byID[m.id] = i
		reading.Values[i].ID = m.id
	}

	offset := 24
	for i := 0; i < len(members); i++ {
		value := binary.LittleEndian.Uint64(buf[offset:])
		id := binary.LittleEndian.Uint64(buf[offset+8:])
		offset += 16

		slot, ok := byID[id]
		if !ok {
			return GroupReading{}, &GroupReadError{
				Want: len(members), Got: i,
			}
		}
		reading.Values[slot].Value = value
	}

	return reading, nil
}

// Close closes every member counter, leader last so followers never
// outlive it. Close errors on individual members are logged, not
// returned. Closing twice is a no-op.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	for i := len(g.members) - 1; i >= 0; i-- {
		m := g.members[i]
		m.mu.Lock()
		if err := m.closeLocked(); err != nil {
			glog.Warningf("closing group member %d: %v", m.id, err)
		}
		m.mu.Unlock()
	}
	g.members = nil
	return nil
}
