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

// Package libvirt integrates bcvk with a libvirt hypervisor: shared
// base disks with per-VM copy-on-write overlays, domain XML generation
// with bcvk metadata, and lifecycle verbs driven through the virsh CLI.
//
// Domain XML is mutated only via the hypervisor CLI, never edited in
// place; the <metadata> section is used as a per-VM key-value store
// (SSH key, port, labels), which is safe because libvirt guarantees
// per-domain atomicity of XML updates.
package libvirt

import (
	"strconv"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/bcvk/xmlq"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/bcvk", "libvirt")

const (
	// DefaultMemory for persistent VMs.
	DefaultMemory = "4G"
	// DefaultCPUs for persistent VMs.
	DefaultCPUs = 2
	// DefaultDiskSize for persistent VM disks.
	DefaultDiskSize = "20G"
	// DefaultPool is the storage pool all disks live in.
	DefaultPool = "default"

	// MetadataNamespace qualifies bcvk metadata elements in domain XML.
	MetadataNamespace = "https://github.com/containers/bootc"
)

// Options are global options for libvirt operations.
type Options struct {
	// Connect is the hypervisor connection URI (e.g. qemu:///session,
	// qemu+ssh://host/system); empty uses virsh's default.
	Connect string
}

// ConvertMemoryToMB converts a memory value with a libvirt unit to
// MiB. Binary units (KiB, MiB, GiB, TiB and their short forms) are
// powers of 1024; decimal units (B, KB, MB, GB, TB) are powers of 1000
// then divided by one MiB; unknown units are treated as KiB, the
// hypervisor's own default.
func ConvertMemoryToMB(value uint64, unit string) uint64 {
	const mib = 1024 * 1024
	switch unit {
	case "k", "K", "KiB":
		return value / 1024
	case "M", "MiB":
		return value
	case "G", "GiB":
		return value * 1024
	case "T", "TiB":
		return value * 1024 * 1024
	case "B", "bytes":
		return value / mib
	case "KB":
		return value * 1000 / mib
	case "MB":
		return value * 1000 * 1000 / mib
	case "GB":
		return value * 1000 * 1000 * 1000 / mib
	case "TB":
		return value * 1000 * 1000 * 1000 * 1000 / mib
	default:
		return value / 1024
	}
}

// ParseMemoryMB reads a <memory unit="...">value</memory> node into
// MiB. The default unit is KiB per the libvirt specification.
func ParseMemoryMB(node *xmlq.Node) (uint64, bool) {
	value, err := strconv.ParseUint(node.TextContent(), 10, 64)
	if err != nil {
		return 0, false
	}
	unit := node.Attributes["unit"]
	if unit == "" {
		unit = "KiB"
	}
	return ConvertMemoryToMB(value, unit), true
}
