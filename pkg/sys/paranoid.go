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

package sys

import (
	"io/ioutil"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pmusensor/perfevent/pkg/config"
)

// PerfEventParanoid reports the kernel's perf_event_paranoid setting:
// -1 allows everything, 0 allows CPU-wide counters, 1 restricts to the
// caller's own tasks, 2 additionally forbids kernel profiling. Open
// failures with EACCES usually trace back to this value.
func PerfEventParanoid() (int, error) {
	filename := filepath.Join(config.Perf.ProcFs, "sys", "kernel",
		"perf_event_paranoid")
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(data)))
}
