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

// AttrOption is a functional option applied while building an EventAttr
// with BuildAttr.
type AttrOption func(*attrBuilder) error

type attrBuilder struct {
	attr EventAttr

	periodSet    bool
	freqSet      bool
	eventsSet    bool
	watermarkSet bool
}

// BuildAttr resolves an event selector and a list of options into a
// complete attribute record ready to be opened. The returned attribute
// defaults to a disabled counter that excludes kernel and hypervisor
// activity and always requests running-time totals so reads can be
// scaled; options override the defaults.
func BuildAttr(sel EventSelector, options ...AttrOption) (*EventAttr, error) {
	b := attrBuilder{
		attr: EventAttr{
			Size:          sizeofPerfEventAttr,
			Disabled:      true,
			ExcludeKernel: true,
			ExcludeHV:     true,
			ReadFormat: PERF_FORMAT_TOTAL_TIME_ENABLED |
				PERF_FORMAT_TOTAL_TIME_RUNNING,
		},
	}

	if sel == nil {
		return nil, &ConfigurationError{"event selector is required"}
	}
	if err := sel.configure(&b.attr); err != nil {
		return nil, err
	}

	for _, option := range options {
		if err := option(&b); err != nil {
			return nil, err
		}
	}

	if err := b.validate(); err != nil {
		return nil, err
	}

	attr := b.attr
	return &attr, nil
}

func (b *attrBuilder) validate() error {
	if b.periodSet && b.freqSet {
		return &ConfigurationError{
			"cannot set both a sample period and a sample frequency",
		}
	}
	if b.eventsSet && b.watermarkSet {
		return &ConfigurationError{
			"cannot set both a wakeup event count and a wakeup watermark",
		}
	}
	if (b.eventsSet || b.watermarkSet) && !b.attr.isSampling() {
		return &ConfigurationError{
			"wakeup thresholds require a sampling configuration",
		}
	}
	return nil
}

// WithSamplePeriod configures the counter to generate an overflow sample
// every period events. Mutually exclusive with WithSampleFreq.
func WithSamplePeriod(period uint64) AttrOption {
	return func(b *attrBuilder) error {
		if period == 0 {
			return &ConfigurationError{"sample period must be non-zero"}
		}
		b.attr.SamplePeriod = period
		b.attr.SampleFreq = 0
		b.attr.Freq = false
		b.periodSet = true
		return nil
	}
}

// WithSampleFreq configures the counter to sample at approximately freq
// samples per second; the kernel adjusts the period dynamically.
// Mutually exclusive with WithSamplePeriod.
func WithSampleFreq(freq uint64) AttrOption {
	return func(b *attrBuilder) error {
		if freq == 0 {
			return &ConfigurationError{"sample frequency must be non-zero"}
		}
		b.attr.SampleFreq = freq
		b.attr.SamplePeriod = 0
		b.attr.Freq = true
		b.freqSet = true
		return nil
	}
}

// WithSampleType adds fields to the payload of generated samples
// (a PERF_SAMPLE_* bitmask).
func WithSampleType(sampleType uint64) AttrOption {
	return func(b *attrBuilder) error {
		b.attr.SampleType |= sampleType
		return nil
	}
}

// WithReadFormat adds fields to the payload returned from counter reads
// (a PERF_FORMAT_* bitmask).
func WithReadFormat(readFormat uint64) AttrOption {
	return func(b *attrBuilder) error {
		b.attr.ReadFormat |= readFormat
		return nil
	}
}

// WithWakeupEvents requests a poll wakeup after n overflow events.
// Mutually exclusive with WithWakeupWatermark.
func WithWakeupEvents(n uint32) AttrOption {
	return func(b *attrBuilder) error {
		b.attr.WakeupEvents = n
		b.attr.WakeupWatermark = 0
		b.attr.Watermark = false
		b.eventsSet = true
		return nil
	}
}

// WithWakeupWatermark requests a poll wakeup once n bytes are pending in
// the ring buffer. Mutually exclusive with WithWakeupEvents.
func WithWakeupWatermark(n uint32) AttrOption {
	return func(b *attrBuilder) error {
		b.attr.WakeupWatermark = n
		b.attr.WakeupEvents = 0
		b.attr.Watermark = true
		b.watermarkSet = true
		return nil
	}
}

// WithEnabled opens the counter already counting rather than disabled.
func WithEnabled() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.Disabled = false
		return nil
	}
}

// WithInherit extends the counter to child tasks of the target.
func WithInherit() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.Inherit = true
		return nil
	}
}

// WithInheritStat saves per-child counts on context switch. Requires
// WithInherit.
func WithInheritStat() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.InheritStat = true
		return nil
	}
}

// WithPinned requests that the counter always be on the PMU; reads
// report an error once the kernel has to move it off.
func WithPinned() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.Pinned = true
		return nil
	}
}

// WithExclusive requests that the counter's group be alone on the PMU
// while scheduled.
func WithExclusive() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.Exclusive = true
		return nil
	}
}

// WithKernelIncluded removes the default exclusion of ring 0 activity.
// Subject to the perf_event_paranoid setting.
func WithKernelIncluded() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.ExcludeKernel = false
		return nil
	}
}

// WithHypervisorIncluded removes the default exclusion of hypervisor
// activity.
func WithHypervisorIncluded() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.ExcludeHV = false
		return nil
	}
}

// WithUserExcluded drops user-space activity from the count.
func WithUserExcluded() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.ExcludeUser = true
		return nil
	}
}

// WithIdleExcluded drops idle-task activity from the count.
func WithIdleExcluded() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.ExcludeIdle = true
		return nil
	}
}

// WithCallchainKernelExcluded omits kernel frames from sampled
// callchains.
func WithCallchainKernelExcluded() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.ExcludeCallchainKernel = true
		return nil
	}
}

// WithCallchainUserExcluded omits user frames from sampled callchains.
func WithCallchainUserExcluded() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.ExcludeCallchainUser = true
		return nil
	}
}

// WithEnableOnExec arms a disabled counter when the target calls
// exec(2).
func WithEnableOnExec() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.EnableOnExec = true
		return nil
	}
}

// WithMmapRecords emits a record for each executable mmap in the
// target.
func WithMmapRecords() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.Mmap = true
		return nil
	}
}

// WithMmap2Records emits extended mmap records carrying inode and
// protection data.
func WithMmap2Records() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.Mmap2 = true
		return nil
	}
}

// WithMmapDataRecords extends mmap records to non-executable mappings.
func WithMmapDataRecords() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.MmapData = true
		return nil
	}
}

// WithCommRecords emits a record when the target changes its comm name.
func WithCommRecords() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.Comm = true
		return nil
	}
}

// WithCommExecRecords marks comm records caused by exec(2), implies
// WithCommRecords.
func WithCommExecRecords() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.Comm = true
		b.attr.CommExec = true
		return nil
	}
}

// WithTaskRecords emits fork and exit records for the target.
func WithTaskRecords() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.Task = true
		return nil
	}
}

// WithContextSwitchRecords emits records when the target is switched in
// or out.
func WithContextSwitchRecords() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.ContextSwitch = true
		return nil
	}
}

// WithSampleIDAll appends the identifier trailer to every record type,
// not just samples.
func WithSampleIDAll() AttrOption {
	return func(b *attrBuilder) error {
		b.attr.SampleIDAll = true
		return nil
	}
}

// WithPreciseIP sets the required instruction pointer skid constraint,
// 0 (arbitrary) through 3 (zero skid).
func WithPreciseIP(level uint8) AttrOption {
	return func(b *attrBuilder) error {
		if level > 3 {
			return &ConfigurationError{"precise IP level must be 0 to 3"}
		}
		b.attr.PreciseIP = level
		return nil
	}
}

// WithBranchSampleType requests sampled branch records (a
// PERF_SAMPLE_BRANCH_* bitmask); implies PERF_SAMPLE_BRANCH_STACK in the
// sample payload.
func WithBranchSampleType(branchSampleType uint64) AttrOption {
	return func(b *attrBuilder) error {
		b.attr.BranchSampleType = branchSampleType
		b.attr.SampleType |= PERF_SAMPLE_BRANCH_STACK
		return nil
	}
}

// WithClockID selects the clock used for time fields in records,
// e.g. unix.CLOCK_MONOTONIC_RAW.
func WithClockID(clockid int32) AttrOption {
	return func(b *attrBuilder) error {
		b.attr.UseClockID = true
		b.attr.ClockID = clockid
		return nil
	}
}

// WithSampleMaxStack caps the number of frames in sampled callchains.
func WithSampleMaxStack(frames uint16) AttrOption {
	return func(b *attrBuilder) error {
		b.attr.SampleMaxStack = frames
		return nil
	}
}
