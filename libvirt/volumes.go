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

package libvirt

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseVolumeSize parses virsh's human size format ("5.00 GiB") into
// bytes: a decimal value and a binary unit separated by whitespace.
func ParseVolumeSize(s string) (uint64, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, errors.Errorf("unexpected volume size format %q", s)
	}
	value, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing volume size %q", s)
	}
	var mult float64
	switch parts[1] {
	case "B", "bytes":
		mult = 1
	case "KiB", "KB":
		mult = 1024
	case "MiB", "MB":
		mult = 1024 * 1024
	case "GiB", "GB":
		mult = 1024 * 1024 * 1024
	case "TiB", "TB":
		mult = 1024 * 1024 * 1024 * 1024
	default:
		return 0, errors.Errorf("unknown volume size unit %q", parts[1])
	}
	return uint64(value * mult), nil
}

// VolumeInfo is the parsed output of vol-info.
type VolumeInfo struct {
	Name       string
	Type       string
	CapacityB  uint64
	AllocatedB uint64
}

// VolInfo queries a volume in the pool.
func (o *Options) VolInfo(pool, name string) (*VolumeInfo, error) {
	out, err := o.Virsh("vol-info", "--pool", pool, name)
	if err != nil {
		return nil, err
	}
	info := &VolumeInfo{Name: name}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Type":
			info.Type = value
		case "Capacity":
			if v, err := ParseVolumeSize(value); err == nil {
				info.CapacityB = v
			}
		case "Allocation":
			if v, err := ParseVolumeSize(value); err == nil {
				info.AllocatedB = v
			}
		}
	}
	return info, nil
}

// VolPath resolves a volume name to its backing path.
func (o *Options) VolPath(pool, name string) (string, error) {
	return o.Virsh("vol-path", "--pool", pool, name)
}
