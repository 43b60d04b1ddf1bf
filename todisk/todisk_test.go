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

package todisk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/bcvk/install"
	"github.com/coreos/bcvk/platform"
)

func TestCalculateDiskSize(t *testing.T) {
	// Explicit sizes win.
	size, err := calculateDiskSize("10G", 0)
	if err != nil {
		t.Fatal(err)
	}
	if size != 10*1024*1024*1024 {
		t.Errorf("size = %d", size)
	}

	size, err = calculateDiskSize("5120M", 0)
	if err != nil {
		t.Fatal(err)
	}
	if size != 5120*1024*1024 {
		t.Errorf("size = %d", size)
	}

	// Plain bytes.
	size, err = calculateDiskSize("123456789", 0)
	if err != nil {
		t.Fatal(err)
	}
	if size != 123456789 {
		t.Errorf("size = %d", size)
	}

	// Computed: 2x image with a 4 GiB floor.
	size, err = calculateDiskSize("", 1024*1024*1024)
	if err != nil {
		t.Fatal(err)
	}
	if size != 4*1024*1024*1024 {
		t.Errorf("small image size = %d, want 4GiB floor", size)
	}

	size, err = calculateDiskSize("", 3*1024*1024*1024)
	if err != nil {
		t.Fatal(err)
	}
	if size != 6*1024*1024*1024 {
		t.Errorf("large image size = %d, want 2x image", size)
	}
}

func TestGenerateInstallCommand(t *testing.T) {
	opts := &install.Options{Filesystem: "xfs", RootSize: "10G"}
	cmd := generateInstallCommand("quay.io/centos-bootc/centos-bootc:stream10", opts)

	if len(cmd) != 3 || cmd[0] != "/bin/bash" || cmd[1] != "-c" {
		t.Fatalf("command shape = %v", cmd)
	}
	script := cmd[2]
	for _, want := range []string{
		"mount -t tmpfs tmpfs /var/lib/containers",
		"mount -t tmpfs tmpfs /var/tmp",
		"STORAGE_OPTS=additionalimagestore=/run/virtiofs-mnt-hoststorage/",
		"bootc install to-disk",
		"--generic-image",
		"--skip-fetch-check",
		"--source-imgref containers-storage:quay.io/centos-bootc/centos-bootc:stream10",
		"--filesystem xfs",
		"--root-size 10G",
		"/dev/disk/by-id/virtio-output",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}

func TestGenerateInstallCommandQuoting(t *testing.T) {
	opts := &install.Options{Kargs: []string{"console=ttyS0 rd.shell"}}
	cmd := generateInstallCommand("localhost/img:latest", opts)
	script := cmd[2]
	// The karg contains a space and must survive remote shell parsing.
	if !strings.Contains(script, "'--karg=console=ttyS0 rd.shell'") {
		t.Errorf("karg not quoted:\n%s", script)
	}
}

func TestCreateDiskFileRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := createDiskFile(path, platform.FormatRaw, 1024*1024); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 1024*1024 {
		t.Errorf("size = %d", st.Size())
	}
}

func TestCreateDiskFileUnknownFormat(t *testing.T) {
	if err := createDiskFile(filepath.Join(t.TempDir(), "x"), "vmdk", 1024); err == nil {
		t.Error("expected error for unknown format")
	}
}
