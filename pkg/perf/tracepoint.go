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
	"bufio"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/pmusensor/perfevent/pkg/config"

	"github.com/gobwas/glob"
	"github.com/golang/glog"
)

// TraceEventField describes one field of a tracepoint's raw data
// layout, parsed from the event's tracefs format file.
type TraceEventField struct {
	FieldName string
	TypeName  string
	Offset    int
	Size      int
	IsSigned  bool
}

func getTraceFs() string {
	return config.Perf.TraceFs
}

// GetTraceEventID resolves a "subsystem/name" tracepoint to the id used
// to open it as a TracepointEvent.
func GetTraceEventID(name string) (uint64, error) {
	filename := filepath.Join(getTraceFs(), "events", name, "id")
	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		glog.V(1).Infof("couldn't read trace event %s: %v", filename, err)
		return 0, err
	}

	idStr := strings.TrimSpace(string(buf))
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("couldn't parse trace event id %q: %v", idStr, err)
	}

	return id, nil
}

func parseTraceEventField(line string) (*TraceEventField, error) {
	field := &TraceEventField{}
	fields := strings.Split(strings.TrimSpace(line), ";")
	for i := 0; i < len(fields); i++ {
		parts := strings.Split(fields[i], ":")
		if len(parts) != 2 {
			return nil, errors.New("malformed format field")
		}

		var err error
		switch parts[0] {
		case "field":
			x := strings.LastIndexFunc(parts[1], unicode.IsSpace)
			if x < 0 {
				err = errors.New("malformed format field")
			} else {
				field.FieldName = strings.TrimSpace(parts[1][x+1:])
				field.TypeName = strings.TrimSpace(parts[1][:x])
			}
		case "offset":
			field.Offset, err = strconv.Atoi(parts[1])
		case "size":
			field.Size, err = strconv.Atoi(parts[1])
		case "signed":
			field.IsSigned, err = strconv.ParseBool(parts[1])
		}
		if err != nil {
			return nil, err
		}
	}

	return field, nil
}

// GetTraceEventFormat parses a tracepoint's format file into its field
// layout, keyed by field name. Use it to interpret PERF_SAMPLE_RAW
// payloads from tracepoint counters.
func GetTraceEventFormat(name string) (map[string]TraceEventField, error) {
	filename := filepath.Join(getTraceFs(), "events", name, "format")
	file, err := os.OpenFile(filename, os.O_RDONLY, 0)
	if err != nil {
		glog.V(1).Infof("couldn't open trace event %s: %v", filename, err)
		return nil, err
	}
	defer file.Close()

	inFormat := false
	fields := make(map[string]TraceEventField)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		rawLine := scanner.Text()
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}

		if inFormat {
			if !unicode.IsSpace(rune(rawLine[0])) {
				inFormat = false
				continue
			}
			field, err := parseTraceEventField(line)
			if err != nil {
				return nil, err
			}
			fields[field.FieldName] = *field
		} else if strings.HasPrefix(line, "format:") {
			inFormat = true
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, err
	}

	return fields, nil
}

// AvailableTracepoints lists the tracepoints the running kernel exposes,
// filtered by a glob pattern over "subsystem:name" (e.g. "syscalls:*").
// An empty pattern lists everything.
func AvailableTracepoints(pattern string) ([]string, error) {
	filename := filepath.Join(getTraceFs(), "available_events")
	file, err := os.OpenFile(filename, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		events = append(events, scanner.Text())
	}
	if err = scanner.Err(); err != nil {
		return nil, err
	}

	return filterTracepoints(events, pattern)
}

func filterTracepoints(events []string, pattern string) ([]string, error) {
	if pattern == "" {
		return events, nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, e := range events {
		if g.Match(e) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// AddKprobe registers a kprobe (or kretprobe when onReturn is set) named
// name at address, with output describing the probe's fetch arguments.
// The probe appears as tracepoint "kprobes/<name>" and is opened like
// any other tracepoint.
func AddKprobe(name string, address string, onReturn bool, output string) error {
	filename := filepath.Join(getTraceFs(), "kprobe_events")
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	var cmd string
	if onReturn {
		cmd = fmt.Sprintf("r:%s %s %s", name, address, output)
	} else {
		cmd = fmt.Sprintf("p:%s %s %s", name, address, output)
	}

	glog.V(2).Infof("adding kprobe: %q", cmd)
	_, err = file.Write([]byte(cmd))
	return err
}

// RemoveKprobe unregisters a kprobe previously added with AddKprobe.
// Fails while a counter still holds the probe open.
func RemoveKprobe(name string) error {
	filename := filepath.Join(getTraceFs(), "kprobe_events")
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	cmd := fmt.Sprintf("-:%s", name)
	_, err = file.Write([]byte(cmd))
	return err
}
