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
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrClosed is returned by any operation attempted on a Counter,
	// Group, or RingBufferReader after it has been closed.
	ErrClosed = errors.New("perf: use of closed object")

	// ErrGroupMember is returned by Counter.Close when the counter is
	// still registered in a Group. The group owns closing of all of its
	// members.
	ErrGroupMember = errors.New("perf: counter is owned by a group")

	// ErrOverrun is returned by RingBufferReader.Drain when the kernel
	// wrapped the producer offset past the entire buffer since the
	// previous drain. Sample records were lost; the reader has already
	// resynchronized its consumer offset and subsequent drains proceed
	// normally. The caller decides whether the loss is fatal.
	ErrOverrun = errors.New("perf: ring buffer overrun, records lost")
)

// ConfigurationError reports invalid or contradictory attribute builder
// options. It is always detected before any system call is issued.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "perf: invalid configuration: " + e.Reason
}

// TargetError reports an illegal observation scope, such as requesting
// all processes on all CPUs. It is detected before any system call.
type TargetError struct {
	Reason string
}

func (e *TargetError) Error() string {
	return "perf: invalid target: " + e.Reason
}

// IOError wraps a failed kernel call with the operation that failed and
// the raw error code, so callers can distinguish permission denials from
// resource exhaustion from unsupported requests.
type IOError struct {
	Op    string
	Errno unix.Errno
}

func (e *IOError) Error() string {
	return fmt.Sprintf("perf: %s: %s", e.Op, e.Errno.Error())
}

func (e *IOError) Unwrap() error {
	return e.Errno
}

// MmapError reports a failure to map the sampling ring buffer. The most
// common cause is exceeding the per-user locked-memory limit for perf
// buffers (perf_event_mlock_kb).
type MmapError struct {
	Err error
}

func (e *MmapError) Error() string {
	return "perf: ring buffer mmap failed: " + e.Err.Error()
}

func (e *MmapError) Unwrap() error {
	return e.Err
}

// GroupReadError reports that a group read returned a different number of
// values than the group has members, or a kernel counter id that does not
// belong to any member. Either indicates a broken invariant, such as a
// member counter having been closed behind the group's back, and is never
// silently truncated.
type GroupReadError struct {
	Want, Got int
}

func (e *GroupReadError) Error() string {
	return fmt.Sprintf("perf: group read returned %d values, want %d", e.Got, e.Want)
}

// ioctlError converts a non-zero errno from an ioctl into an *IOError.
func ioctlError(op string, errno unix.Errno) error {
	if errno == 0 {
		return nil
	}
	return &IOError{Op: op, Errno: errno}
}

// ioError wraps an error from an x/sys/unix call as an *IOError.
func ioError(op string, err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return &IOError{Op: op, Errno: errno}
	}
	return fmt.Errorf("perf: %s: %w", op, err)
}
