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

package images

import (
	"testing"
)

func TestParseInspectOutput(t *testing.T) {
	buf := []byte(`[{"Digest": "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", "Size": 2147483648}]`)
	info, err := parseInspectOutput(buf)
	if err != nil {
		t.Fatal(err)
	}
	if info.Digest.String() != "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("digest = %q", info.Digest)
	}
	if info.Size != 2147483648 {
		t.Errorf("size = %d", info.Size)
	}
}

func TestParseInspectOutputErrors(t *testing.T) {
	if _, err := parseInspectOutput([]byte(`[]`)); err == nil {
		t.Error("expected error for empty array")
	}
	if _, err := parseInspectOutput([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := parseInspectOutput([]byte(`[{"Digest": "garbage", "Size": 1}]`)); err == nil {
		t.Error("expected error for invalid digest")
	}
}

func TestVMNameFromImage(t *testing.T) {
	for _, tt := range []struct {
		ref  string
		want string
	}{
		{"quay.io/centos-bootc/centos-bootc:stream10", "centos-bootc"},
		{"quay.io/fedora/fedora-bootc:42", "fedora-bootc"},
		{"localhost/test", "test"},
		{"plain", "plain"},
		{"registry.example.com/a/b/weird.image:tag", "weird-image"},
	} {
		if got := VMNameFromImage(tt.ref); got != tt.want {
			t.Errorf("VMNameFromImage(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestUniqueVMName(t *testing.T) {
	existing := []string{"fedora-bootc", "fedora-bootc-2"}
	if got := UniqueVMName("quay.io/fedora/fedora-bootc:42", existing); got != "fedora-bootc-3" {
		t.Errorf("UniqueVMName = %q, want fedora-bootc-3", got)
	}
	if got := UniqueVMName("quay.io/fedora/fedora-bootc:42", nil); got != "fedora-bootc" {
		t.Errorf("UniqueVMName = %q, want fedora-bootc", got)
	}
}
