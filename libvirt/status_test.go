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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseVersionString(t *testing.T) {
	v := parseVersionString("6.2.0")
	if v == nil || v.Major != 6 || v.Minor != 2 || v.Micro != 0 || v.FullVersion != "6.2.0" {
		t.Errorf("parseVersionString(6.2.0) = %+v", v)
	}

	v = parseVersionString("11.5")
	if v == nil || v.Major != 11 || v.Minor != 5 || v.Micro != 0 {
		t.Errorf("parseVersionString(11.5) = %+v", v)
	}

	v = parseVersionString("12")
	if v == nil || v.Major != 12 || v.Minor != 0 {
		t.Errorf("parseVersionString(12) = %+v", v)
	}

	if parseVersionString("") != nil || parseVersionString("not_a_number") != nil {
		t.Error("invalid version strings must not parse")
	}

	// Non-numeric components after the major fall back to zero.
	v = parseVersionString("6.x.0")
	if v == nil || v.Major != 6 || v.Minor != 0 {
		t.Errorf("parseVersionString(6.x.0) = %+v", v)
	}

	// Extra components are ignored.
	v = parseVersionString("6.2.0.1")
	if v == nil || v.Major != 6 || v.Minor != 2 || v.Micro != 0 || v.FullVersion != "6.2.0.1" {
		t.Errorf("parseVersionString(6.2.0.1) = %+v", v)
	}
}

func TestParseVersionFromOutput(t *testing.T) {
	out := "Compiled against library: libvirt 6.2.0\nUsing library: libvirt 6.2.0\n"
	v := parseVersionFromOutput(out)
	if v == nil || v.Major != 6 || v.Minor != 2 {
		t.Errorf("parseVersionFromOutput = %+v", v)
	}

	v = parseVersionFromOutput("libvirt 11.0.0\n")
	if v == nil || v.Major != 11 {
		t.Errorf("parseVersionFromOutput = %+v", v)
	}

	if parseVersionFromOutput("Some other output without version\n") != nil {
		t.Error("output without libvirt version must not parse")
	}
	if parseVersionFromOutput("libvirt is installed\n") != nil {
		t.Error("libvirt mention without version must not parse")
	}
}

func TestSupportsReadonlyVirtiofs(t *testing.T) {
	if !SupportsReadonlyVirtiofs(&Version{Major: 11, FullVersion: "11.0.0"}) {
		t.Error("11.0.0 must support readonly virtiofs")
	}
	if !SupportsReadonlyVirtiofs(&Version{Major: 11, Minor: 5, FullVersion: "11.5.0"}) {
		t.Error("11.5.0 must support readonly virtiofs")
	}
	if SupportsReadonlyVirtiofs(&Version{Major: 10, Minor: 5, FullVersion: "10.5.0"}) {
		t.Error("10.5.0 must not support readonly virtiofs")
	}
	if SupportsReadonlyVirtiofs(nil) {
		t.Error("unknown version must not support readonly virtiofs")
	}
}

func TestLoadSecureBootKeysErrors(t *testing.T) {
	if _, err := LoadSecureBootKeys("/nonexistent/keys"); err == nil ||
		!strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not-found error, got %v", err)
	}

	// A GUID without certificates is incomplete.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "GUID.txt"), []byte("test-guid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadSecureBootKeys(dir)
	if err == nil || !strings.Contains(err.Error(), "PK.crt not found") {
		t.Errorf("expected PK.crt error, got %v", err)
	}
}
