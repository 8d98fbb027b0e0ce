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

// Package config holds overridable runtime configuration, populated
// from PERFEVENT_* environment variables.
package config

import (
	"github.com/golang/glog"
	"github.com/kelseyhightower/envconfig"
)

// Perf contains overridable configuration options for perf event
// monitoring
var Perf struct {
	ProcFs   string `split_words:"true" default:"/proc"`
	CgroupFs string `split_words:"true" default:"/sys/fs/cgroup"`
	TraceFs  string `split_words:"true" default:"/sys/kernel/debug/tracing"`

	// The default size of perf event ring buffers, in units of pages.
	// Must be a power of two.
	RingBufferPages int `split_words:"true" default:"8"`
}

func init() {
	err := envconfig.Process("PERFEVENT", &Perf)
	if err != nil {
		glog.Fatal(err)
	}
}
