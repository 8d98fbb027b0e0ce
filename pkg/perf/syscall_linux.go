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
	"unsafe"

	"golang.org/x/sys/unix"
)

func open(attr *EventAttr, pid int, cpu int, groupFd int, flags uintptr) (int, error) {
	buf := new(bytes.Buffer)
	if err := attr.write(buf); err != nil {
		return -1, err
	}
	b := buf.Bytes()

	r1, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(&b[0])), uintptr(pid), uintptr(cpu),
		uintptr(groupFd), flags, uintptr(0))
	if errno != 0 {
		return -1, &IOError{Op: "perf_event_open", Errno: errno}
	}

	return int(r1), nil
}

func ioctl(fd int, request uintptr, arg uintptr, op string) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
	return ioctlError(op, errno)
}

func enable(fd int) error {
	return ioctl(fd, PERF_EVENT_IOC_ENABLE, 0, "enable")
}

func disable(fd int) error {
	return ioctl(fd, PERF_EVENT_IOC_DISABLE, 0, "disable")
}

func reset(fd int) error {
	return ioctl(fd, PERF_EVENT_IOC_RESET, 0, "reset")
}

func refresh(fd int, count int) error {
	return ioctl(fd, PERF_EVENT_IOC_REFRESH, uintptr(count), "refresh")
}

func setPeriod(fd int, period uint64) error {
	return ioctl(fd, PERF_EVENT_IOC_PERIOD,
		uintptr(unsafe.Pointer(&period)), "period")
}

func setOutput(fd int, targetFd int) error {
	return ioctl(fd, PERF_EVENT_IOC_SET_OUTPUT, uintptr(targetFd), "set_output")
}

func setFilter(fd int, filter string) error {
	f, err := unix.BytePtrFromString(filter)
	if err != nil {
		return err
	}
	return ioctl(fd, PERF_EVENT_IOC_SET_FILTER,
		uintptr(unsafe.Pointer(f)), "set_filter")
}

func setBPF(fd int, progFd uint32) error {
	return ioctl(fd, PERF_EVENT_IOC_SET_BPF, uintptr(progFd), "set_bpf")
}

func pauseOutput(fd int, pause bool) error {
	arg := uintptr(0)
	if pause {
		arg = 1
	}
	return ioctl(fd, PERF_EVENT_IOC_PAUSE_OUTPUT, arg, "pause_output")
}

func eventID(fd int) (uint64, error) {
	var id uint64
	if err := ioctl(fd, PERF_EVENT_IOC_ID,
		uintptr(unsafe.Pointer(&id)), "id"); err != nil {
		return 0, err
	}
	return id, nil
}
