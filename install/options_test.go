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

package install

import (
	"reflect"
	"strings"
	"testing"
)

func TestFingerprintStability(t *testing.T) {
	a := Options{Filesystem: "ext4", RootSize: "20G"}
	b := Options{Filesystem: "ext4", RootSize: "20G"}
	if a.Fingerprint("sha256:abc123") != b.Fingerprint("sha256:abc123") {
		t.Error("identical inputs must produce identical fingerprints")
	}

	if a.Fingerprint("sha256:abc123") == a.Fingerprint("sha256:xyz789") {
		t.Error("different digests must produce different fingerprints")
	}

	c := Options{Filesystem: "xfs", RootSize: "20G"}
	if a.Fingerprint("sha256:abc123") == c.Fingerprint("sha256:abc123") {
		t.Error("different filesystem must produce different fingerprints")
	}

	d := Options{Filesystem: "ext4", RootSize: "20G", TargetTransport: "containers-storage"}
	if a.Fingerprint("sha256:abc123") == d.Fingerprint("sha256:abc123") {
		t.Error("different target transport must produce different fingerprints")
	}

	e := Options{Filesystem: "ext4", RootSize: "20G", Kargs: []string{"console=ttyS0"}}
	if a.Fingerprint("sha256:abc123") == e.Fingerprint("sha256:abc123") {
		t.Error("kernel args must affect the fingerprint")
	}
}

func TestFingerprintFormat(t *testing.T) {
	fp := (&Options{}).Fingerprint("sha256:abc")
	if !strings.HasPrefix(fp, "sha256:") {
		t.Errorf("fingerprint %q missing prefix", fp)
	}
	if len(fp) != len("sha256:")+64 {
		t.Errorf("fingerprint %q has wrong length", fp)
	}
}

func TestFingerprintOmitsAbsentOptionals(t *testing.T) {
	// The storage path only affects where the source image is found;
	// it must never change the fingerprint.
	a := Options{Filesystem: "ext4"}
	b := Options{Filesystem: "ext4", StoragePath: "/var/lib/containers/storage"}
	if a.Fingerprint("sha256:abc") != b.Fingerprint("sha256:abc") {
		t.Error("storage path must not affect the fingerprint")
	}

	// An empty karg slice hashes like an absent one.
	c := Options{Filesystem: "ext4", Kargs: []string{}}
	if a.Fingerprint("sha256:abc") != c.Fingerprint("sha256:abc") {
		t.Error("empty karg list must hash like an absent one")
	}
}

func TestBootcArgs(t *testing.T) {
	opts := Options{
		Filesystem:      "xfs",
		RootSize:        "10G",
		Kargs:           []string{"console=ttyS0", "quiet"},
		ComposefsNative: true,
		TargetTransport: "containers-storage",
	}
	got := opts.BootcArgs()
	want := []string{
		"--target-transport", "containers-storage",
		"--filesystem", "xfs",
		"--root-size", "10G",
		"--karg=console=ttyS0",
		"--karg=quiet",
		"--composefs-native",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BootcArgs() = %v, want %v", got, want)
	}

	if args := (&Options{}).BootcArgs(); len(args) != 0 {
		t.Errorf("empty options produced args %v", args)
	}
}
