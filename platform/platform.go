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

// Package platform is a Go interface to running `qemu` as a subprocess
// for booting bootc images.
//
// Why not libvirt here? Ephemeral VMs want their lifecycle bound to the
// creating process (Ctrl-C kills both reliably), and we rely on
// qemu-local features: virtiofs via vhost-user sockets, fdsets, SMBIOS
// credential injection. Persistent VMs go through the libvirt package
// instead.
package platform

import (
	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/bcvk", "platform")

const (
	// RootfsTag is the virtiofs mount tag of the guest root filesystem.
	RootfsTag = "rootfs"
	// HostStorageTag is the virtiofs tag for read-only access to the
	// host's container storage.
	HostStorageTag = "hoststorage"
	// OutputDiskSerial is the serial of the installer's target disk;
	// the guest sees it at /dev/disk/by-id/virtio-output.
	OutputDiskSerial = "output"

	// MinMemoryMiB and MaxMemoryMiB bound the guest RAM size.
	MinMemoryMiB = 128
	MaxMemoryMiB = 1024 * 1024
	// MaxVCPUs bounds the vCPU count.
	MaxVCPUs = 256
)

// HostForwardPort contains details about port-forwarding for the VM.
type HostForwardPort struct {
	Service   string
	HostPort  int
	GuestPort int
}

// DiskFormat names an on-disk image format understood by qemu.
type DiskFormat string

const (
	FormatRaw   DiskFormat = "raw"
	FormatQcow2 DiskFormat = "qcow2"
)

// Disk is a virtio-blk device attached by host path. The guest locates
// it via /dev/disk/by-id/virtio-<Serial>.
type Disk struct {
	Path   string
	Format DiskFormat
	Serial string
}

// VirtiofsShare exports a host directory to the guest under Tag.
type VirtiofsShare struct {
	Source   string
	Tag      string
	Readonly bool

	// socketPath is assigned when the daemon is configured.
	socketPath string
}

// DisplayMode selects the VM console wiring.
type DisplayMode int

const (
	// DisplayNone is headless; the human monitor is disabled.
	DisplayNone DisplayMode = iota
	// DisplayConsole multiplexes the serial console on stdio.
	DisplayConsole
)
