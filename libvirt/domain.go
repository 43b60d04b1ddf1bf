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
	"runtime"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/coreos/bcvk/xmlq"
)

// ArchConfig is the architecture-dependent part of a domain.
type ArchConfig struct {
	Arch    string
	Machine string
	OSType  string
}

// DetectArch returns the domain configuration for the host
// architecture.
func DetectArch() (*ArchConfig, error) {
	switch runtime.GOARCH {
	case "amd64":
		return &ArchConfig{Arch: "x86_64", Machine: "q35", OSType: "hvm"}, nil
	case "arm64":
		return &ArchConfig{Arch: "aarch64", Machine: "virt", OSType: "hvm"}, nil
	default:
		return nil, errors.Errorf("unsupported architecture: %s. Supported architectures: x86_64, aarch64", runtime.GOARCH)
	}
}

// CPUMode returns the guest CPU mode for this architecture.
func (a *ArchConfig) CPUMode() string {
	return "host-passthrough"
}

// writeFeatures emits the <features> element.
func (a *ArchConfig) writeFeatures(w *xmlq.Writer) {
	w.StartElement("features")
	w.EmptyElement("acpi")
	w.EmptyElement("apic")
	if a.Arch == "x86_64" {
		w.EmptyElement("vmport", xmlq.Attr{Key: "state", Value: "off"})
	}
	w.EndElement("features")
}

// writeTimers emits the clock timer children.
func (a *ArchConfig) writeTimers(w *xmlq.Writer) {
	w.EmptyElement("timer", xmlq.Attr{Key: "name", Value: "rtc"}, xmlq.Attr{Key: "tickpolicy", Value: "catchup"})
	if a.Arch == "x86_64" {
		w.EmptyElement("timer", xmlq.Attr{Key: "name", Value: "pit"}, xmlq.Attr{Key: "tickpolicy", Value: "delay"})
		w.EmptyElement("timer", xmlq.Attr{Key: "name", Value: "hpet"}, xmlq.Attr{Key: "present", Value: "no"})
	}
}

// FirmwareType selects the VM firmware.
type FirmwareType string

const (
	// FirmwareUefiSecure is UEFI with secure boot enabled.
	FirmwareUefiSecure FirmwareType = "uefi-secure"
	// FirmwareUefiInsecure is UEFI with secure boot disabled.
	FirmwareUefiInsecure FirmwareType = "uefi-insecure"
	// FirmwareBios is legacy BIOS.
	FirmwareBios FirmwareType = "bios"
)

// VirtiofsFilesystem is one host directory exported to the guest.
type VirtiofsFilesystem struct {
	SourceDir string
	Tag       string
	Readonly  bool
}

// DomainBuilder accumulates a domain description and renders it as a
// libvirt XML document.
type DomainBuilder struct {
	name          string
	uuid          string
	memoryMB      uint64
	vcpus         uint32
	diskPath      string
	diskFormat    string
	network       string
	vncPort       uint16
	haveVNC       bool
	firmware      FirmwareType
	ovmfCodePath  string
	nvramTemplate string
	tpm           bool
	filesystems   []VirtiofsFilesystem
	metadata      map[string]string
	qemuArgs      []string
}

// NewDomainBuilder creates a builder with TPM enabled by default.
func NewDomainBuilder() *DomainBuilder {
	return &DomainBuilder{
		diskFormat: "qcow2",
		firmware:   FirmwareBios,
		tpm:        true,
		metadata:   make(map[string]string),
	}
}

func (b *DomainBuilder) WithName(name string) *DomainBuilder {
	b.name = name
	return b
}

func (b *DomainBuilder) WithUUID(u string) *DomainBuilder {
	b.uuid = u
	return b
}

// WithMemory sets guest RAM in MiB.
func (b *DomainBuilder) WithMemory(memoryMB uint64) *DomainBuilder {
	b.memoryMB = memoryMB
	return b
}

func (b *DomainBuilder) WithVcpus(vcpus uint32) *DomainBuilder {
	b.vcpus = vcpus
	return b
}

// WithDisk attaches the primary disk by path.
func (b *DomainBuilder) WithDisk(path string) *DomainBuilder {
	b.diskPath = path
	return b
}

// WithDiskFormat overrides the disk driver type (default qcow2).
func (b *DomainBuilder) WithDiskFormat(format string) *DomainBuilder {
	b.diskFormat = format
	return b
}

// WithNetwork selects the network configuration: "none", "default",
// "user", "bridge=<name>", or a libvirt network name.
func (b *DomainBuilder) WithNetwork(network string) *DomainBuilder {
	b.network = network
	return b
}

// WithVNC enables VNC graphics on the given port.
func (b *DomainBuilder) WithVNC(port uint16) *DomainBuilder {
	b.vncPort = port
	b.haveVNC = true
	return b
}

func (b *DomainBuilder) WithFirmware(fw FirmwareType) *DomainBuilder {
	b.firmware = fw
	return b
}

// WithOVMFCode points secure boot at a discovered OVMF_CODE.secboot.fd.
func (b *DomainBuilder) WithOVMFCode(path string) *DomainBuilder {
	b.ovmfCodePath = path
	return b
}

// WithNVRAMTemplate sets the variables template for secure boot.
func (b *DomainBuilder) WithNVRAMTemplate(path string) *DomainBuilder {
	b.nvramTemplate = path
	return b
}

// WithTPM toggles the TPM device (CRB model, version 2.0).
func (b *DomainBuilder) WithTPM(enabled bool) *DomainBuilder {
	b.tpm = enabled
	return b
}

// WithVirtiofsFilesystem adds a filesystem share device.
func (b *DomainBuilder) WithVirtiofsFilesystem(fs VirtiofsFilesystem) *DomainBuilder {
	b.filesystems = append(b.filesystems, fs)
	return b
}

// WithMetadata records a bcvk metadata key. Keys are emitted in the
// bootc namespace whether or not the prefix is given.
func (b *DomainBuilder) WithMetadata(key, value string) *DomainBuilder {
	b.metadata[key] = value
	return b
}

// WithQemuArgs appends a raw qemu:commandline section (smbios
// credentials, hostfwd rules).
func (b *DomainBuilder) WithQemuArgs(args []string) *DomainBuilder {
	b.qemuArgs = append(b.qemuArgs, args...)
	return b
}

// Build renders the domain XML.
func (b *DomainBuilder) Build() (string, error) {
	if b.name == "" {
		return "", errors.New("domain name is required")
	}
	if b.memoryMB == 0 {
		return "", errors.New("domain memory is required")
	}
	if b.vcpus == 0 {
		return "", errors.New("domain vcpu count is required")
	}
	arch, err := DetectArch()
	if err != nil {
		return "", err
	}

	domUUID := b.uuid
	if domUUID == "" {
		domUUID = uuid.New().String()
	}

	w := xmlq.NewWriter()
	domainAttrs := []xmlq.Attr{{Key: "type", Value: "kvm"}}
	if len(b.qemuArgs) > 0 {
		domainAttrs = append(domainAttrs,
			xmlq.Attr{Key: "xmlns:qemu", Value: "http://libvirt.org/schemas/domain/qemu/1.0"})
	}
	w.StartElement("domain", domainAttrs...)

	w.TextElement("name", b.name)
	w.TextElement("uuid", domUUID)
	memStr := formatUint(b.memoryMB)
	w.TextElement("memory", memStr, xmlq.Attr{Key: "unit", Value: "MiB"})
	w.TextElement("currentMemory", memStr, xmlq.Attr{Key: "unit", Value: "MiB"})
	w.TextElement("vcpu", formatUint(uint64(b.vcpus)))

	// OS section with firmware selection.
	w.StartElement("os")
	osAttrs := []xmlq.Attr{
		{Key: "arch", Value: arch.Arch},
		{Key: "machine", Value: arch.Machine},
	}
	w.TextElement("type", arch.OSType, osAttrs...)
	if b.firmware == FirmwareUefiSecure && b.ovmfCodePath != "" {
		w.TextElement("loader", b.ovmfCodePath,
			xmlq.Attr{Key: "readonly", Value: "yes"},
			xmlq.Attr{Key: "type", Value: "pflash"},
			xmlq.Attr{Key: "secure", Value: "yes"})
		if b.nvramTemplate != "" {
			w.TextElement("nvram", "", xmlq.Attr{Key: "template", Value: b.nvramTemplate})
		}
	}
	w.EmptyElement("boot", xmlq.Attr{Key: "dev", Value: "hd"})
	w.EndElement("os")

	arch.writeFeatures(w)
	w.EmptyElement("cpu", xmlq.Attr{Key: "mode", Value: arch.CPUMode()})

	w.StartElement("clock", xmlq.Attr{Key: "offset", Value: "utc"})
	arch.writeTimers(w)
	w.EndElement("clock")

	w.TextElement("on_poweroff", "destroy")
	w.TextElement("on_reboot", "restart")
	w.TextElement("on_crash", "destroy")

	w.StartElement("devices")

	if b.diskPath != "" {
		w.StartElement("disk",
			xmlq.Attr{Key: "type", Value: "file"},
			xmlq.Attr{Key: "device", Value: "disk"})
		w.EmptyElement("driver",
			xmlq.Attr{Key: "name", Value: "qemu"},
			xmlq.Attr{Key: "type", Value: b.diskFormat})
		w.EmptyElement("source", xmlq.Attr{Key: "file", Value: b.diskPath})
		w.EmptyElement("target",
			xmlq.Attr{Key: "dev", Value: "vda"},
			xmlq.Attr{Key: "bus", Value: "virtio"})
		w.EndElement("disk")
	}

	b.writeNetwork(w)

	for _, fs := range b.filesystems {
		w.StartElement("filesystem",
			xmlq.Attr{Key: "type", Value: "mount"},
			xmlq.Attr{Key: "accessmode", Value: "passthrough"})
		w.EmptyElement("driver", xmlq.Attr{Key: "type", Value: "virtiofs"})
		w.EmptyElement("source", xmlq.Attr{Key: "dir", Value: fs.SourceDir})
		w.EmptyElement("target", xmlq.Attr{Key: "dir", Value: fs.Tag})
		if fs.Readonly {
			w.EmptyElement("readonly")
		}
		w.EndElement("filesystem")
	}

	// Serial console.
	w.StartElement("serial", xmlq.Attr{Key: "type", Value: "pty"})
	w.EmptyElement("target", xmlq.Attr{Key: "port", Value: "0"})
	w.EndElement("serial")
	w.StartElement("console", xmlq.Attr{Key: "type", Value: "pty"})
	w.EmptyElement("target",
		xmlq.Attr{Key: "type", Value: "serial"},
		xmlq.Attr{Key: "port", Value: "0"})
	w.EndElement("console")

	if b.haveVNC {
		w.EmptyElement("graphics",
			xmlq.Attr{Key: "type", Value: "vnc"},
			xmlq.Attr{Key: "port", Value: formatUint(uint64(b.vncPort))},
			xmlq.Attr{Key: "listen", Value: "127.0.0.1"})
		w.StartElement("video")
		w.EmptyElement("model", xmlq.Attr{Key: "type", Value: "vga"})
		w.EndElement("video")
	}

	if b.tpm {
		w.StartElement("tpm", xmlq.Attr{Key: "model", Value: "tpm-crb"})
		w.StartElement("backend",
			xmlq.Attr{Key: "type", Value: "emulator"},
			xmlq.Attr{Key: "version", Value: "2.0"})
		w.EndElement("backend")
		w.EndElement("tpm")
	}

	w.EndElement("devices")

	if len(b.qemuArgs) > 0 {
		w.StartElement("qemu:commandline")
		for _, arg := range b.qemuArgs {
			w.EmptyElement("qemu:arg", xmlq.Attr{Key: "value", Value: arg})
		}
		w.EndElement("qemu:commandline")
	}

	if len(b.metadata) > 0 {
		w.StartElement("metadata")
		w.StartElement("bootc:container",
			xmlq.Attr{Key: "xmlns:bootc", Value: MetadataNamespace})
		// Deterministic order for stable output.
		keys := make([]string, 0, len(b.metadata))
		for k := range b.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			name := k
			if len(name) < 6 || name[:6] != "bootc:" {
				name = "bootc:" + name
			}
			w.TextElement(name, b.metadata[k])
		}
		w.EndElement("bootc:container")
		w.EndElement("metadata")
	}

	w.EndElement("domain")
	return w.String(), nil
}

// writeNetwork emits the interface device for the selected mode.
func (b *DomainBuilder) writeNetwork(w *xmlq.Writer) {
	network := b.network
	if network == "" {
		network = "default"
	}
	switch {
	case network == "none":
		// No interface; SSH networking arrives via qemu args.
	case network == "default":
		// Let libvirt use its default behavior; an explicit interface
		// fails when the "default" network does not exist.
	case network == "user":
		w.StartElement("interface", xmlq.Attr{Key: "type", Value: "user"})
		w.EmptyElement("model", xmlq.Attr{Key: "type", Value: "virtio"})
		w.EndElement("interface")
	case len(network) > 7 && network[:7] == "bridge=":
		w.StartElement("interface", xmlq.Attr{Key: "type", Value: "bridge"})
		w.EmptyElement("source", xmlq.Attr{Key: "bridge", Value: network[7:]})
		w.EmptyElement("model", xmlq.Attr{Key: "type", Value: "virtio"})
		w.EndElement("interface")
	default:
		w.StartElement("interface", xmlq.Attr{Key: "type", Value: "network"})
		w.EmptyElement("source", xmlq.Attr{Key: "network", Value: network})
		w.EmptyElement("model", xmlq.Attr{Key: "type", Value: "virtio"})
		w.EndElement("interface")
	}
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
