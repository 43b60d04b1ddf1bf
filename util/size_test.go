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

import "testing"

func TestParseSize(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want uint64
	}{
		{"10G", 10 * 1024 * 1024 * 1024},
		{"5120M", 5120 * 1024 * 1024},
		{"1024", 1024},
		{"4GiB", 4 * 1024 * 1024 * 1024},
		{"512K", 512 * 1024},
	} {
		got, err := ParseSize(tt.s)
		if err != nil {
			t.Errorf("ParseSize(%q): %v", tt.s, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.s, got, tt.want)
		}
	}

	for _, bad := range []string{"", "abc", "-5G"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q): expected error", bad)
		}
	}
}

func TestParseMemoryToMB(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want uint32
	}{
		{"4G", 4096},
		{"2048M", 2048},
		// Plain numbers are MiB for memory flags.
		{"512", 512},
	} {
		got, err := ParseMemoryToMB(tt.s)
		if err != nil {
			t.Errorf("ParseMemoryToMB(%q): %v", tt.s, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMemoryToMB(%q) = %d, want %d", tt.s, got, tt.want)
		}
	}

	if _, err := ParseMemoryToMB(""); err == nil {
		t.Error("expected error for empty memory size")
	}
}
