// Copyright 2025 Red Hat
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

package util

import (
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
)

// ParseSize parses a human readable disk size such as "10G", "5120M" or a
// plain number of bytes. Suffixed values are binary (powers of 1024),
// matching qemu-img semantics.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Plain numbers are bytes.
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	v, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing size %q", s)
	}
	if v < 0 {
		return 0, errors.Errorf("negative size %q", s)
	}
	return uint64(v), nil
}

// ParseMemoryToMB parses a user provided memory size such as "4G" or
// "2048M" into MiB. A plain number is interpreted as MiB, matching the
// common expectation for VM memory flags.
func ParseMemoryToMB(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty memory size")
	}
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(v), nil
	}
	v, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing memory size %q", s)
	}
	if v < 0 {
		return 0, errors.Errorf("negative memory size %q", s)
	}
	mb := uint64(v) / (1024 * 1024)
	if mb > uint64(^uint32(0)) {
		return 0, errors.Errorf("memory size %q out of range", s)
	}
	return uint32(mb), nil
}
