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

package platform

import (
	"os"
	"strings"
	"testing"
)

func TestValidateMemoryBounds(t *testing.T) {
	for _, tt := range []struct {
		memory uint32
		ok     bool
	}{
		{127, false},
		{128, true},
		{4096, true},
		{1024 * 1024, true},
		{1024*1024 + 1, false},
	} {
		b := NewQemuBuilder()
		b.MemoryMiB = tt.memory
		err := b.validate()
		if tt.ok && err != nil {
			t.Errorf("memory %d: unexpected error %v", tt.memory, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("memory %d: expected validation error", tt.memory)
		}
	}
}

func TestValidateVCPUBounds(t *testing.T) {
	for _, tt := range []struct {
		vcpus uint32
		ok    bool
	}{
		{0, false},
		{1, true},
		{256, true},
		{257, false},
	} {
		b := NewQemuBuilder()
		b.MemoryMiB = 4096
		b.Processors = tt.vcpus
		err := b.validate()
		if tt.ok && err != nil {
			t.Errorf("vcpus %d: unexpected error %v", tt.vcpus, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("vcpus %d: expected validation error", tt.vcpus)
		}
	}
}

func TestValidateEmptyTag(t *testing.T) {
	b := NewQemuBuilder()
	b.MemoryMiB = 4096
	b.AddVirtiofs(VirtiofsShare{Source: "/tmp", Tag: ""})
	if err := b.validate(); err == nil {
		t.Error("expected error for empty mount tag")
	}
}

func TestAddFdNumbering(t *testing.T) {
	b := NewQemuBuilder()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if got := b.AddFd(w); got != "/dev/fdset/1" {
		t.Errorf("first AddFd = %q", got)
	}
	if got := b.AddFd(w); got != "/dev/fdset/2" {
		t.Errorf("second AddFd = %q", got)
	}
	// Raw fds continue the same child descriptor numbering.
	if got := b.AddRawFd(w); got != 5 {
		t.Errorf("AddRawFd = %d, want 5", got)
	}
}

func TestSetupNetworkingAllocatesPorts(t *testing.T) {
	b := NewQemuBuilder()
	b.EnableUsermodeNetworking([]HostForwardPort{{Service: "ssh", GuestPort: 22}})
	if err := b.setupNetworking(); err != nil {
		t.Fatal(err)
	}
	if b.hostForwardPorts[0].HostPort == 0 {
		t.Error("host port was not allocated")
	}
	addr, err := b.SSHAddress()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(addr, "127.0.0.1:") {
		t.Errorf("SSHAddress = %q", addr)
	}

	found := false
	for i, arg := range b.argv {
		if arg == "-netdev" && i+1 < len(b.argv) {
			netdev := b.argv[i+1]
			if strings.HasPrefix(netdev, "user,id=net0") && strings.Contains(netdev, "-:22") {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("netdev argument not rendered: %v", b.argv)
	}
}

func TestQemuBinaryEnvOverride(t *testing.T) {
	t.Setenv("QEMU_BIN", "/opt/qemu/bin/qemu-kvm")
	bin, err := qemuBinary()
	if err != nil {
		t.Fatal(err)
	}
	if bin != "/opt/qemu/bin/qemu-kvm" {
		t.Errorf("qemuBinary = %q", bin)
	}
}
