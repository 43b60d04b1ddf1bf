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

package cachemeta

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/coreos/bcvk/install"
)

// xattrsSupported reports whether the test directory's filesystem
// accepts user xattrs; tmpfs on some CI hosts does not.
func xattrsSupported(t *testing.T, dir string) bool {
	t.Helper()
	probe := filepath.Join(dir, "probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	err := unix.Setxattr(probe, "user.bcvk.probe", []byte("1"), 0)
	return err == nil
}

func TestWriteAndCheck(t *testing.T) {
	dir := t.TempDir()
	if !xattrsSupported(t, dir) {
		t.Skip("filesystem does not support user xattrs")
	}

	path := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := &install.Options{Filesystem: "ext4"}
	const digest = "sha256:0123456789abcdef"

	// Fresh file: metadata absent.
	v, err := Check(path, digest, opts)
	if err != nil {
		t.Fatal(err)
	}
	if v != MissingXattr {
		t.Errorf("Check before write = %v, want MissingXattr", v)
	}

	if err := WritePath(path, digest, opts); err != nil {
		t.Fatal(err)
	}

	v, err = Check(path, digest, opts)
	if err != nil {
		t.Fatal(err)
	}
	if v != Match {
		t.Errorf("Check after write = %v, want Match", v)
	}

	// Digest readable for operator visibility.
	got, err := ReadImageDigest(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != digest {
		t.Errorf("ReadImageDigest = %q, want %q", got, digest)
	}

	// Different options must not validate.
	other := &install.Options{Filesystem: "xfs"}
	v, err = Check(path, digest, other)
	if err != nil {
		t.Fatal(err)
	}
	if v != Mismatch {
		t.Errorf("Check with different options = %v, want Mismatch", v)
	}

	// Different digest must not validate either.
	v, err = Check(path, "sha256:fedcba", opts)
	if err != nil {
		t.Fatal(err)
	}
	if v != Mismatch {
		t.Errorf("Check with different digest = %v, want Mismatch", v)
	}
}

func TestCheckMissingFile(t *testing.T) {
	v, err := Check(filepath.Join(t.TempDir(), "nope.img"), "sha256:abc", &install.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if v != MissingFile {
		t.Errorf("Check = %v, want MissingFile", v)
	}
}

func TestReadImageDigestMissing(t *testing.T) {
	dir := t.TempDir()
	// Absent file is not an error.
	digest, err := ReadImageDigest(filepath.Join(dir, "nope.img"))
	if err != nil || digest != "" {
		t.Errorf("ReadImageDigest(absent) = %q, %v", digest, err)
	}

	if !xattrsSupported(t, dir) {
		t.Skip("filesystem does not support user xattrs")
	}
	// Present file without the attribute is not an error either.
	path := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	digest, err = ReadImageDigest(path)
	if err != nil || digest != "" {
		t.Errorf("ReadImageDigest(no xattr) = %q, %v", digest, err)
	}
}

func TestRewriteReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	if !xattrsSupported(t, dir) {
		t.Skip("filesystem does not support user xattrs")
	}
	path := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	optsA := &install.Options{Filesystem: "ext4"}
	optsB := &install.Options{Filesystem: "xfs"}
	if err := WritePath(path, "sha256:abc", optsA); err != nil {
		t.Fatal(err)
	}
	// Replace-if-exists is allowed.
	if err := WritePath(path, "sha256:abc", optsB); err != nil {
		t.Fatal(err)
	}
	if v, _ := Check(path, "sha256:abc", optsB); v != Match {
		t.Errorf("Check after rewrite = %v, want Match", v)
	}
	if v, _ := Check(path, "sha256:abc", optsA); v != Mismatch {
		t.Errorf("stale options still match after rewrite: %v", v)
	}
}
