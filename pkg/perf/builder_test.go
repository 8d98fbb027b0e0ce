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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAttrSelectors(t *testing.T) {
	testCases := []struct {
		name       string
		sel        EventSelector
		wantType   uint32
		wantConfig uint64
	}{
		{
			name:       "hardware",
			sel:        HardwareEvent{Config: PERF_COUNT_HW_INSTRUCTIONS},
			wantType:   PERF_TYPE_HARDWARE,
			wantConfig: PERF_COUNT_HW_INSTRUCTIONS,
		},
		{
			name:       "software",
			sel:        SoftwareEvent{Config: PERF_COUNT_SW_PAGE_FAULTS},
			wantType:   PERF_TYPE_SOFTWARE,
			wantConfig: PERF_COUNT_SW_PAGE_FAULTS,
		},
		{
			name: "cache",
			sel: HardwareCacheEvent{
				Cache:     PERF_COUNT_HW_CACHE_DTLB,
				Operation: PERF_COUNT_HW_CACHE_OP_WRITE,
				Result:    PERF_COUNT_HW_CACHE_RESULT_MISS,
			},
			wantType: PERF_TYPE_HW_CACHE,
			wantConfig: PERF_COUNT_HW_CACHE_DTLB |
				PERF_COUNT_HW_CACHE_OP_WRITE<<8 |
				PERF_COUNT_HW_CACHE_RESULT_MISS<<16,
		},
		{
			name:       "tracepoint",
			sel:        TracepointEvent{ID: 1234},
			wantType:   PERF_TYPE_TRACEPOINT,
			wantConfig: 1234,
		},
		{
			name:       "raw",
			sel:        RawEvent{EventType: PERF_TYPE_RAW, Config: 0x1a2b},
			wantType:   PERF_TYPE_RAW,
			wantConfig: 0x1a2b,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			attr, err := BuildAttr(tc.sel)
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, attr.Type)
			assert.Equal(t, tc.wantConfig, attr.Config)
		})
	}
}

func TestBuildAttrSelectorValidation(t *testing.T) {
	testCases := []struct {
		name string
		sel  EventSelector
	}{
		{"hardware out of range", HardwareEvent{Config: PERF_COUNT_HW_MAX}},
		{"software out of range", SoftwareEvent{Config: PERF_COUNT_SW_MAX}},
		{"cache out of range", HardwareCacheEvent{Cache: PERF_COUNT_HW_CACHE_MAX}},
		{"cache op out of range", HardwareCacheEvent{Operation: PERF_COUNT_HW_CACHE_OP_MAX}},
		{"cache result out of range", HardwareCacheEvent{Result: PERF_COUNT_HW_CACHE_RESULT_MAX}},
		{"zero tracepoint id", TracepointEvent{}},
		{"bad breakpoint length", BreakpointEvent{Access: HW_BREAKPOINT_W, Length: 3}},
		{"bad breakpoint access", BreakpointEvent{Access: 99, Length: 4}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildAttr(tc.sel)
			require.Error(t, err)
			var ce *ConfigurationError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestBuildAttrDefaults(t *testing.T) {
	attr, err := BuildAttr(HardwareEvent{Config: PERF_COUNT_HW_CPU_CYCLES})
	require.NoError(t, err)

	assert.True(t, attr.Disabled)
	assert.True(t, attr.ExcludeKernel)
	assert.True(t, attr.ExcludeHV)
	assert.False(t, attr.ExcludeUser)
	assert.Equal(t, uint32(sizeofPerfEventAttr), attr.Size)
	assert.Equal(t,
		PERF_FORMAT_TOTAL_TIME_ENABLED|PERF_FORMAT_TOTAL_TIME_RUNNING,
		attr.ReadFormat)
}

func TestBuildAttrOptions(t *testing.T) {
	attr, err := BuildAttr(SoftwareEvent{Config: PERF_COUNT_SW_CPU_CLOCK},
		WithEnabled(),
		WithKernelIncluded(),
		WithInherit(),
		WithSampleFreq(4000),
		WithSampleType(PERF_SAMPLE_IP|PERF_SAMPLE_TID|PERF_SAMPLE_TIME),
		WithWakeupEvents(1),
		WithSampleIDAll())
	require.NoError(t, err)

	assert.False(t, attr.Disabled)
	assert.False(t, attr.ExcludeKernel)
	assert.True(t, attr.Inherit)
	assert.True(t, attr.Freq)
	assert.Equal(t, uint64(4000), attr.SampleFreq)
	assert.Equal(t, uint64(0), attr.SamplePeriod)
	assert.Equal(t, uint32(1), attr.WakeupEvents)
	assert.True(t, attr.SampleIDAll)
	assert.True(t, attr.isSampling())
}

func TestBuildAttrMutualExclusions(t *testing.T) {
	_, err := BuildAttr(HardwareEvent{Config: PERF_COUNT_HW_CPU_CYCLES},
		WithSamplePeriod(100000), WithSampleFreq(4000))
	assert.Error(t, err)

	_, err = BuildAttr(HardwareEvent{Config: PERF_COUNT_HW_CPU_CYCLES},
		WithSamplePeriod(100000),
		WithWakeupEvents(1), WithWakeupWatermark(4096))
	assert.Error(t, err)

	// wakeup threshold with nothing to wake up for
	_, err = BuildAttr(HardwareEvent{Config: PERF_COUNT_HW_CPU_CYCLES},
		WithWakeupEvents(1))
	assert.Error(t, err)

	_, err = BuildAttr(HardwareEvent{Config: PERF_COUNT_HW_CPU_CYCLES},
		WithSamplePeriod(0))
	assert.Error(t, err)

	_, err = BuildAttr(HardwareEvent{Config: PERF_COUNT_HW_CPU_CYCLES},
		WithPreciseIP(4))
	assert.Error(t, err)

	_, err = BuildAttr(nil)
	assert.Error(t, err)
}

func TestBreakpointSelector(t *testing.T) {
	attr, err := BuildAttr(BreakpointEvent{
		Access:  HW_BREAKPOINT_RW,
		Address: 0xdeadbeef,
		Length:  8,
	})
	require.NoError(t, err)
	assert.Equal(t, PERF_TYPE_BREAKPOINT, attr.Type)
	assert.Equal(t, HW_BREAKPOINT_RW, attr.BPType)
	assert.Equal(t, uint64(0xdeadbeef), attr.BPAddr)
	assert.Equal(t, uint64(8), attr.BPLen)

	// execute breakpoints ignore the length
	attr, err = BuildAttr(BreakpointEvent{
		Access:  HW_BREAKPOINT_X,
		Address: 0x400000,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), attr.BPLen)
}

func TestEventAttrWriteLayout(t *testing.T) {
	attr, err := BuildAttr(HardwareEvent{Config: PERF_COUNT_HW_CACHE_MISSES},
		WithSamplePeriod(100000),
		WithSampleType(PERF_SAMPLE_IP|PERF_SAMPLE_TID),
		WithWakeupEvents(2),
		WithClockID(7))
	require.NoError(t, err)

	buf := new(bytes.Buffer)
	require.NoError(t, attr.write(buf))
	b := buf.Bytes()
	require.Len(t, b, sizeofPerfEventAttr)

	assert.Equal(t, uint32(PERF_TYPE_HARDWARE), binary.LittleEndian.Uint32(b[0:]))
	assert.Equal(t, uint32(sizeofPerfEventAttr), binary.LittleEndian.Uint32(b[4:]))
	assert.Equal(t, PERF_COUNT_HW_CACHE_MISSES, binary.LittleEndian.Uint64(b[8:]))
	assert.Equal(t, uint64(100000), binary.LittleEndian.Uint64(b[16:]))
	assert.Equal(t, PERF_SAMPLE_IP|PERF_SAMPLE_TID, binary.LittleEndian.Uint64(b[24:]))
	assert.Equal(t,
		PERF_FORMAT_TOTAL_TIME_ENABLED|PERF_FORMAT_TOTAL_TIME_RUNNING,
		binary.LittleEndian.Uint64(b[32:]))

	bitfield := binary.LittleEndian.Uint64(b[40:])
	assert.NotZero(t, bitfield&eaDisabled)
	assert.NotZero(t, bitfield&eaExcludeKernel)
	assert.NotZero(t, bitfield&eaExcludeHV)
	assert.NotZero(t, bitfield&eaUseClockID)
	assert.Zero(t, bitfield&eaFreq)
	assert.Zero(t, bitfield&eaExcludeUser)

	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[48:]))

	// clockid lives after branch_sample_type and sample_regs_user
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(b[92:]))
}

func TestEventAttrWriteUnionValidation(t *testing.T) {
	attr := &EventAttr{
		Size:         sizeofPerfEventAttr,
		SamplePeriod: 100,
		SampleFreq:   100,
		Freq:         true,
	}
	err := attr.write(new(bytes.Buffer))
	require.Error(t, err)

	attr = &EventAttr{
		Size:            sizeofPerfEventAttr,
		WakeupEvents:    1,
		WakeupWatermark: 1,
		Watermark:       true,
	}
	err = attr.write(new(bytes.Buffer))
	require.Error(t, err)

	attr = &EventAttr{Size: sizeofPerfEventAttr, PreciseIP: 5}
	err = attr.write(new(bytes.Buffer))
	require.Error(t, err)
}
