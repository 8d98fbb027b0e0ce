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

import "fmt"

// EventSelector identifies which event a counter observes. Implementations
// are immutable value types; configure validates the selector's numeric
// fields against the kernel's accepted ranges and resolves the selector
// into the flat attribute record. The kernel's overlapping attribute
// unions are never exposed to callers directly.
type EventSelector interface {
	configure(attr *EventAttr) error
}

// HardwareEvent selects one of the portable hardware counters
// (PERF_TYPE_HARDWARE). The Config field is a PERF_COUNT_HW_* value.
type HardwareEvent struct {
	Config uint64
}

func (e HardwareEvent) configure(attr *EventAttr) error {
	if e.Config >= PERF_COUNT_HW_MAX {
		return &ConfigurationError{
			fmt.Sprintf("hardware event id %d out of range", e.Config),
		}
	}
	attr.Type = PERF_TYPE_HARDWARE
	attr.Config = e.Config
	return nil
}

// SoftwareEvent selects one of the kernel-implemented software counters
// (PERF_TYPE_SOFTWARE). The Config field is a PERF_COUNT_SW_* value.
type SoftwareEvent struct {
	Config uint64
}

func (e SoftwareEvent) configure(attr *EventAttr) error {
	if e.Config >= PERF_COUNT_SW_MAX {
		return &ConfigurationError{
			fmt.Sprintf("software event id %d out of range", e.Config),
		}
	}
	attr.Type = PERF_TYPE_SOFTWARE
	attr.Config = e.Config
	return nil
}

// HardwareCacheEvent selects a hardware cache counter
// (PERF_TYPE_HW_CACHE), identified by the (cache, operation, result)
// triple defined by the kernel.
type HardwareCacheEvent struct {
	Cache     uint64 // PERF_COUNT_HW_CACHE_*
	Operation uint64 // PERF_COUNT_HW_CACHE_OP_*
	Result    uint64 // PERF_COUNT_HW_CACHE_RESULT_*
}

func (e HardwareCacheEvent) configure(attr *EventAttr) error {
	if e.Cache >= PERF_COUNT_HW_CACHE_MAX {
		return &ConfigurationError{
			fmt.Sprintf("cache id %d out of range", e.Cache),
		}
	}
	if e.Operation >= PERF_COUNT_HW_CACHE_OP_MAX {
		return &ConfigurationError{
			fmt.Sprintf("cache op %d out of range", e.Operation),
		}
	}
	if e.Result >= PERF_COUNT_HW_CACHE_RESULT_MAX {
		return &ConfigurationError{
			fmt.Sprintf("cache result %d out of range", e.Result),
		}
	}
	attr.Type = PERF_TYPE_HW_CACHE
	attr.Config = e.Cache | (e.Operation << 8) | (e.Result << 16)
	return nil
}

// TracepointEvent selects a kernel tracepoint (PERF_TYPE_TRACEPOINT) by
// its tracefs id. Use GetTraceEventID to resolve a "subsystem:name"
// tracepoint to its id.
type TracepointEvent struct {
	ID uint64
}

func (e TracepointEvent) configure(attr *EventAttr) error {
	if e.ID == 0 {
		return &ConfigurationError{"tracepoint id must be non-zero"}
	}
	attr.Type = PERF_TYPE_TRACEPOINT
	attr.Config = e.ID
	return nil
}

// RawEvent selects a PMU-specific event by raw type and config values,
// bypassing the portable event tables. No range validation is possible;
// the kernel rejects unknown values at open time.
type RawEvent struct {
	EventType uint32 // PMU type, PERF_TYPE_RAW for the core PMU
	Config    uint64
	Config1   uint64
	Config2   uint64
}

func (e RawEvent) configure(attr *EventAttr) error {
	attr.Type = e.EventType
	attr.Config = e.Config
	attr.Config1 = e.Config1
	attr.Config2 = e.Config2
	return nil
}

// BreakpointEvent selects a hardware breakpoint (PERF_TYPE_BREAKPOINT)
// that counts accesses to an address. For execute breakpoints Length is
// ignored and set to the machine word size per kernel convention. For
// data breakpoints Length must be 1, 2, 4, or 8.
type BreakpointEvent struct {
	Access  uint32 // HW_BREAKPOINT_{R,W,RW,X}
	Address uint64
	Length  uint64
}

func (e BreakpointEvent) configure(attr *EventAttr) error {
	attr.Type = PERF_TYPE_BREAKPOINT
	attr.Config = 0
	attr.BPType = e.Access

	switch e.Access {
	case HW_BREAKPOINT_X:
		attr.BPAddr = e.Address
		attr.BPLen = 8 // sizeof(long)
		return nil
	case HW_BREAKPOINT_R, HW_BREAKPOINT_W, HW_BREAKPOINT_RW:
		switch e.Length {
		case 1, 2, 4, 8:
		default:
			return &ConfigurationError{
				fmt.Sprintf("breakpoint length %d not in {1,2,4,8}", e.Length),
			}
		}
		attr.BPAddr = e.Address
		attr.BPLen = e.Length
		return nil
	}
	return &ConfigurationError{
		fmt.Sprintf("breakpoint access type %#x is not valid", e.Access),
	}
}
