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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupReadBuffer(timeEnabled, timeRunning uint64, pairs ...[2]uint64) []byte {
	buf := make([]byte, 8*(3+2*len(pairs)))
	binary.LittleEndian.PutUint64(buf[0:], uint64(len(pairs)))
	binary.LittleEndian.PutUint64(buf[8:], timeEnabled)
	binary.LittleEndian.PutUint64(buf[16:], timeRunning)
	offset := 24
	for _, p := range pairs {
		binary.LittleEndian.PutUint64(buf[offset:], p[0])   // value
		binary.LittleEndian.PutUint64(buf[offset+8:], p[1]) // id
		offset += 16
	}
	return buf
}

func TestParseGroupReading(t *testing.T) {
	members := []*Counter{{id: 101}, {id: 102}, {id: 103}}

	// kernel reports members in its own order
	buf := groupReadBuffer(1000, 500,
		[2]uint64{33, 103},
		[2]uint64{11, 101},
		[2]uint64{22, 102})

	reading, err := parseGroupReading(buf, members)
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), reading.TimeEnabled)
	assert.Equal(t, uint64(500), reading.TimeRunning)
	require.Len(t, reading.Values, 3)

	// values come back in membership order regardless
	assert.Equal(t, GroupValue{ID: 101, Value: 11}, reading.Values[0])
	assert.Equal(t, GroupValue{ID: 102, Value: 22}, reading.Values[1])
	assert.Equal(t, GroupValue{ID: 103, Value: 33}, reading.Values[2])

	// shared times scale every member
	assert.Equal(t, uint64(22), reading.Scaled(0))
	assert.Equal(t, uint64(44), reading.Scaled(1))
}

func TestParseGroupReadingMismatch(t *testing.T) {
	members := []*Counter{{id: 101}, {id: 102}}

	// short buffer
	buf := groupReadBuffer(0, 0, [2]uint64{1, 101})
	_, err := parseGroupReading(buf, members)
	var gre *GroupReadError
	require.ErrorAs(t, err, &gre)

	// member count mismatch
	buf = groupReadBuffer(0, 0, [2]uint64{1, 101}, [2]uint64{2, 102})
	binary.LittleEndian.PutUint64(buf[0:], 1)
	_, err = parseGroupReading(buf, members)
	require.ErrorAs(t, err, &gre)

	// unknown counter id
	buf = groupReadBuffer(0, 0, [2]uint64{1, 101}, [2]uint64{2, 999})
	_, err = parseGroupReading(buf, members)
	require.ErrorAs(t, err, &gre)
}

func TestGroupCloseClosesAllMembers(t *testing.T) {
	g := &Group{target: CallingThread()}
	members := []*Counter{
		{fd: -1, id: 101, grouped: true},
		{fd: -1, id: 102, grouped: true},
		{fd: -1, id: 103, grouped: true},
	}
	g.members = append(g.members, members...)

	// member close errors (bad fd) are suppressed
	require.NoError(t, g.Close())

	for _, m := range members {
		assert.True(t, m.closed)
	}
	assert.Nil(t, g.members)

	// closing again is a no-op
	assert.NoError(t, g.Close())
}

func TestNewGroupValidatesTarget(t *testing.T) {
	_, err := NewGroup(Cgroup("mygroup", -1))
	require.Error(t, err)

	g, err := NewGroup(CallingProcess())
	require.NoError(t, err)
	require.NotNil(t, g)
}

func TestEmptyGroupOperations(t *testing.T) {
	g, err := NewGroup(CallingThread())
	require.NoError(t, err)

	var ce *ConfigurationError
	assert.ErrorAs(t, g.Enable(), &ce)
	assert.ErrorAs(t, g.Disable(), &ce)
	assert.ErrorAs(t, g.Reset(), &ce)

	_, err = g.Read()
	assert.ErrorAs(t, err, &ce)

	require.NoError(t, g.Close())

	// everything refuses after close
	assert.Equal(t, ErrClosed, g.Enable())
	_, err = g.Read()
	assert.Equal(t, ErrClosed, err)
	_, err = g.Add(HardwareEvent{Config: PERF_COUNT_HW_CPU_CYCLES})
	assert.Equal(t, ErrClosed, err)
	assert.NoError(t, g.Close())
}
