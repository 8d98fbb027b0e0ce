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
	"math"
	"math/bits"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// Target names what a counter observes: a thread, a whole process on
// any CPU, everything on one CPU, or a cgroup's tasks on one CPU. The
// zero value is not a valid target; use one of the constructors.
type Target struct {
	pid    int
	cpu    int
	cgroup string
}

// CallingThread targets the thread that opens the counter, on any CPU.
func CallingThread() Target {
	return Target{pid: 0, cpu: -1}
}

// CallingProcess targets all threads of the opening process, on any
// CPU. Threads created after the open are only observed with inherit.
func CallingProcess() Target {
	return Target{pid: unix.Getpid(), cpu: -1}
}

// Thread targets the thread with the given tid, on any CPU.
func Thread(tid int) Target {
	return Target{pid: tid, cpu: -1}
}

// CPU targets everything running on one CPU. Requires
// perf_event_paranoid <= 0 or CAP_PERFMON.
func CPU(cpu int) Target {
	return Target{pid: -1, cpu: cpu}
}

// OnCPU restricts the target to one CPU. Combining a thread target with
// a CPU counts that thread only while it runs there.
func (t Target) OnCPU(cpu int) Target {
	t.cpu = cpu
	return t
}

// Cgroup targets all tasks in a perf_event cgroup, observed on one CPU.
// The path is relative to the perf_event cgroup filesystem root.
func Cgroup(path string, cpu int) Target {
	return Target{pid: -1, cpu: cpu, cgroup: path}
}

func (t Target) validate() error {
	if t.cgroup != "" {
		if t.cpu < 0 {
			return &TargetError{"cgroup targets require a specific CPU"}
		}
		return nil
	}
	if t.pid == -1 && t.cpu == -1 {
		return &TargetError{"cannot observe every process on every CPU"}
	}
	return nil
}

// open resolves the target into the pid/cpu/flags triple for the open
// syscall. The returned closer releases the cgroup directory fd, if
// any, once the counter is open.
func (t Target) open() (pid int, cpu int, flags uintptr, closer func(), err error) {
	if err = t.validate(); err != nil {
		return 0, 0, 0, nil, err
	}
	if t.cgroup == "" {
		return t.pid, t.cpu, 0, func() {}, nil
	}

	dirfd, err := unix.Open(t.cgroup, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return 0, 0, 0, nil,
			&TargetError{"cannot open cgroup directory " + t.cgroup}
	}
	return dirfd, t.cpu, PERF_FLAG_PID_CGROUP,
		func() { unix.Close(dirfd) }, nil
}

// CounterValue is the result of reading a counter: the raw count plus
// the time the counter was enabled and the time it was actually
// scheduled on the PMU. When the PMU was oversubscribed TimeRunning is
// less than TimeEnabled and Value undercounts.
type CounterValue struct {
	Value       uint64
	TimeEnabled uint64
	TimeRunning uint64
}

// Scaled estimates the count for the full enabled window by scaling the
// raw value by TimeEnabled/TimeRunning. Returns 0 when the counter
// never ran.
func (cv CounterValue) Scaled() uint64 {
	if cv.TimeRunning == 0 {
		return 0
	}
	if cv.TimeRunning >= cv.TimeEnabled {
		return cv.Value
	}

	hi, lo := bits.Mul64(cv.Value, cv.TimeEnabled)
	if hi >= cv.TimeRunning {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, cv.TimeRunning)
	return q
}

// Counter is a single open perf event. All methods are safe for
// concurrent use. A Counter that was added to a Group is managed by the
// group and refuses individual Close.
type Counter struct {
	mu      sync.Mutex
	fd      int
	id      uint64
	attr    EventAttr
	closed  bool
	grouped bool
}

// OpenCounter opens a counter for attr observing target. The kernel
// takes its own copy of the attribute; the counter retains one only to
// interpret reads and samples.
func OpenCounter(attr *EventAttr, target Target) (*Counter, error) {
	return openCounter(attr, target, -1)
}

func openCounter(attr *EventAttr, target Target, groupFd int) (*Counter, error) {
	pid, cpu, flags, closer, err := target.open()
	if err != nil {
		return nil, err
	}
	defer closer()

	fd, err := open(attr, pid, cpu, groupFd, flags|PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	id, err := eventID(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	glog.V(2).Infof("opened perf event fd %d (type %d config %d id %d)",
		fd, attr.Type, attr.Config, id)

	return &Counter{fd: fd, id: id, attr: *attr}, nil
}

// ID returns the kernel-assigned counter id, the same value that tags
// this counter in group reads and PERF_SAMPLE_READ payloads.
func (c *Counter) ID() uint64 {
	return c.id
}

// Attr returns a copy of the attribute the counter was opened with.
func (c *Counter) Attr() EventAttr {
	return c.attr
}

// Enable starts or resumes counting.
func (c *Counter) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return enable(c.fd)
}

// Disable pauses counting. The accumulated value is retained.
func (c *Counter) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return disable(c.fd)
}

// Reset zeroes the count. Times enabled and running are not reset.
func (c *Counter) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return reset(c.fd)
}

// Refresh enables the counter for count overflow events, after which
// the kernel disables it again.
func (c *Counter) Refresh(count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if count <= 0 {
		return &ConfigurationError{"refresh count must be positive"}
	}
	return refresh(c.fd, count)
}

// Read reads the current value of the counter without disturbing it.
func (c *Counter) Read() (CounterValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return CounterValue{}, ErrClosed
	}

	// u64 value, plus one u64 per requested read_format field
	buf := make([]byte, 8*6)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return CounterValue{}, ioError("read", err)
	}

	return parseCounterValue(buf[:n], c.attr.ReadFormat)
}

func parseCounterValue(buf []byte, readFormat uint64) (CounterValue, error) {
	if readFormat&PERF_FORMAT_GROUP != 0 {
		// the kernel returns the group layout here; parsing it as a
		// single value would hand back the member count
		return CounterValue{}, &ConfigurationError{
			"counter reads as a group, use Group.Read",
		}
	}

	want := 8
	if readFormat&PERF_FORMAT_TOTAL_TIME_ENABLED != 0 {
		want += 8
	}
	if readFormat&PERF_FORMAT_TOTAL_TIME_RUNNING != 0 {
		want += 8
	}
	if readFormat&PERF_FORMAT_ID != 0 {
		want += 8
	}
	if len(buf) < want {
		return CounterValue{}, &GroupReadError{Want: want, Got: len(buf)}
	}

	var cv CounterValue
	offset := 0
	cv.Value = binary.LittleEndian.Uint64(buf[offset:])
	offset += 8
	if readFormat&PERF_FORMAT_TOTAL_TIME_ENABLED != 0 {
		cv.TimeEnabled = binary.LittleEndian.Uint64(buf[offset:])
		offset += 8
	}
	if readFormat&PERF_FORMAT_TOTAL_TIME_RUNNING != 0 {
		cv.TimeRunning = binary.LittleEndian.Uint64(buf[offset:])
	}
	return cv, nil
}

// SetSamplePeriod changes the overflow period of a period-based
// sampling counter without reopening it.
func (c *Counter) SetSamplePeriod(period uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.attr.Freq {
		return &ConfigurationError{
			"counter samples by frequency, use SetSampleFreq",
		}
	}
	if !c.attr.isSampling() {
		return &ConfigurationError{"counter is not sampling"}
	}
	if err := setPeriod(c.fd, period); err != nil {
		return err
	}
	c.attr.SamplePeriod = period
	return nil
}

// SetSampleFreq changes the target rate of a frequency-based sampling
// counter without reopening it.
func (c *Counter) SetSampleFreq(freq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.attr.Freq {
		return &ConfigurationError{
			"counter samples by period, use SetSamplePeriod",
		}
	}
	if err := setPeriod(c.fd, freq); err != nil {
		return err
	}
	c.attr.SampleFreq = freq
	return nil
}

// SetFilter attaches a tracing filter expression to a tracepoint or
// kprobe counter.
func (c *Counter) SetFilter(filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return setFilter(c.fd, filter)
}

// SetBPF attaches a preloaded BPF program, by fd, to a kprobe counter.
func (c *Counter) SetBPF(progFd uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return setBPF(c.fd, progFd)
}

// SetOutput redirects this counter's ring buffer output into another
// counter's buffer. The two counters must share a CPU.
func (c *Counter) SetOutput(target *Counter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return setOutput(c.fd, target.fd)
}

// PauseOutput stops (or resumes) ring buffer writes for this counter.
// Records arriving while paused are counted as lost.
func (c *Counter) PauseOutput(pause bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return pauseOutput(c.fd, pause)
}

// Close releases the counter's fd. Closing twice is a no-op. Counters
// owned by a group are closed by Group.Close instead.
func (c *Counter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grouped {
		return ErrGroupMember
	}
	return c.closeLocked()
}

func (c *Counter) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := unix.Close(c.fd); err != nil {
		return ioError("close", err)
	}
	return nil
}
