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

// Package sys locates the kernel filesystems and settings that perf
// event monitoring depends on.
package sys

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pmusensor/perfevent/pkg/config"

	"github.com/golang/glog"
)

// MountInfo holds information about a mount in the process's mount
// namespace.
type MountInfo struct {
	MountID        uint
	ParentID       uint
	Major          uint
	Minor          uint
	Root           string
	MountPoint     string
	MountOptions   []string
	OptionalFields map[string]string
	FilesystemType string
	MountSource    string
	SuperOptions   map[string]string
}

func discoverMounts() ([]MountInfo, error) {
	filename := filepath.Join(config.Perf.ProcFs, "self", "mountinfo")
	mountInfo, err := os.OpenFile(filename, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer mountInfo.Close()

	return parseMounts(mountInfo)
}

func parseMounts(r io.Reader) ([]MountInfo, error) {
	var mounts []MountInfo

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, " ")
		if len(fields) < 10 {
			glog.V(1).Infof("short mountinfo line: %s", line)
			continue
		}

		mountID, err := strconv.Atoi(fields[0])
		if err != nil {
			glog.V(1).Infof("couldn't parse mount id %s", fields[0])
			continue
		}

		parentID, err := strconv.Atoi(fields[1])
		if err != nil {
			glog.V(1).Infof("couldn't parse parent id %s", fields[1])
			continue
		}

		mm := strings.Split(fields[2], ":")
		if len(mm) != 2 {
			continue
		}
		major, err := strconv.Atoi(mm[0])
		if err != nil {
			continue
		}
		minor, err := strconv.Atoi(mm[1])
		if err != nil {
			continue
		}

		mountOptions := strings.Split(fields[5], ",")

		optionalFieldsMap := make(map[string]string)
		i := 6
		for ; i < len(fields) && fields[i] != "-"; i++ {
			tagValue := strings.SplitN(fields[i], ":", 2)
			if len(tagValue) == 2 {
				optionalFieldsMap[tagValue[0]] = tagValue[1]
			} else {
				optionalFieldsMap[tagValue[0]] = ""
			}
		}
		if i+3 >= len(fields) {
			continue
		}

		filesystemType := fields[i+1]
		mountSource := fields[i+2]
		superOptions := fields[i+3]

		superOptionsMap := make(map[string]string)
		for _, option := range strings.Split(superOptions, ",") {
			nameValue := strings.SplitN(option, "=", 2)
			if len(nameValue) > 1 {
				superOptionsMap[nameValue[0]] = nameValue[1]
			} else {
				superOptionsMap[nameValue[0]] = ""
			}
		}

		mounts = append(mounts, MountInfo{
			MountID:        uint(mountID),
			ParentID:       uint(parentID),
			Major:          uint(major),
			Minor:          uint(minor),
			Root:           fields[3],
			MountPoint:     fields[4],
			MountOptions:   mountOptions,
			OptionalFields: optionalFieldsMap,
			FilesystemType: filesystemType,
			MountSource:    mountSource,
			SuperOptions:   superOptionsMap,
		})
	}

	return mounts, scanner.Err()
}

// TracingDir returns the mount point of the tracefs filesystem, or the
// configured override.
func TracingDir() string {
	if len(config.Perf.TraceFs) > 0 {
		return config.Perf.TraceFs
	}

	mounts, err := discoverMounts()
	if err != nil {
		return ""
	}

	for _, mi := range mounts {
		if mi.FilesystemType == "tracefs" {
			return mi.MountPoint
		}
	}

	return ""
}

// PerfEventDir returns the mount point of the perf_event cgroup
// hierarchy, used as the base for cgroup counter targets.
func PerfEventDir() string {
	mounts, err := discoverMounts()
	if err != nil {
		return ""
	}

	for _, mi := range mounts {
		if mi.FilesystemType == "cgroup" {
			if _, ok := mi.SuperOptions["perf_event"]; ok {
				return mi.MountPoint
			}
		}
	}

	// cgroup2 exposes every controller under one mount
	for _, mi := range mounts {
		if mi.FilesystemType == "cgroup2" {
			return mi.MountPoint
		}
	}

	return ""
}
