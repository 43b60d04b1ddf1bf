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
	"strings"
	"testing"

	"github.com/coreos/bcvk/xmlq"
)

func TestBasicDomainXML(t *testing.T) {
	xml, err := NewDomainBuilder().
		WithName("test-domain").
		WithMemory(4096).
		WithVcpus(4).
		WithDisk("/path/to/disk.qcow2").
		Build()
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"<name>test-domain</name>",
		`<memory unit="MiB">4096</memory>`,
		`<currentMemory unit="MiB">4096</currentMemory>`,
		"<vcpu>4</vcpu>",
		`source file="/path/to/disk.qcow2"`,
		`driver name="qemu" type="qcow2"`,
		"<uuid>",
		`<cpu mode="host-passthrough"/>`,
		"<on_poweroff>destroy</on_poweroff>",
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("missing %q in:\n%s", want, xml)
		}
	}

	// TPM is enabled by default, CRB model version 2.0.
	if !strings.Contains(xml, `tpm model="tpm-crb"`) || !strings.Contains(xml, `version="2.0"`) {
		t.Errorf("missing default TPM device:\n%s", xml)
	}
}

func TestDomainArchSpecifics(t *testing.T) {
	xml, err := NewDomainBuilder().
		WithName("t").WithMemory(1024).WithVcpus(1).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	switch runtime.GOARCH {
	case "amd64":
		for _, want := range []string{
			`machine="q35"`, `arch="x86_64"`,
			`vmport state="off"`,
			`timer name="pit" tickpolicy="delay"`,
			`timer name="hpet" present="no"`,
		} {
			if !strings.Contains(xml, want) {
				t.Errorf("missing %q in:\n%s", want, xml)
			}
		}
	case "arm64":
		for _, want := range []string{`machine="virt"`, `arch="aarch64"`} {
			if !strings.Contains(xml, want) {
				t.Errorf("missing %q in:\n%s", want, xml)
			}
		}
		if strings.Contains(xml, "vmport") {
			t.Error("aarch64 domain must not carry vmport")
		}
	}
	// Common to all architectures.
	for _, want := range []string{"<acpi/>", "<apic/>", `timer name="rtc"`, `clock offset="utc"`} {
		if !strings.Contains(xml, want) {
			t.Errorf("missing %q in:\n%s", want, xml)
		}
	}
}

func TestDomainMetadataRoundTrip(t *testing.T) {
	xml, err := NewDomainBuilder().
		WithName("t").WithMemory(1024).WithVcpus(1).
		WithMetadata("source-image", "quay.io/fedora/fedora-bootc:42").
		WithMetadata("bootc:filesystem", "xfs").
		WithMetadata("ssh-port", "2244").
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(xml, `xmlns:bootc="https://github.com/containers/bootc"`) {
		t.Errorf("missing bootc namespace declaration:\n%s", xml)
	}

	dom, err := xmlq.Parse(xml)
	if err != nil {
		t.Fatal(err)
	}
	if got := dom.FindWithNamespace("source-image").TextContent(); got != "quay.io/fedora/fedora-bootc:42" {
		t.Errorf("source-image = %q", got)
	}
	if got := dom.FindWithNamespace("filesystem").TextContent(); got != "xfs" {
		t.Errorf("filesystem = %q", got)
	}
	if got := dom.FindWithNamespace("ssh-port").TextContent(); got != "2244" {
		t.Errorf("ssh-port = %q", got)
	}
	if !IsBcvkDomain(dom) {
		t.Error("generated domain not recognized as bcvk's")
	}
}

func TestDomainNetworkConfigurations(t *testing.T) {
	build := func(network string) string {
		xml, err := NewDomainBuilder().
			WithName("t").WithMemory(1024).WithVcpus(1).
			WithNetwork(network).
			Build()
		if err != nil {
			t.Fatal(err)
		}
		return xml
	}

	if xml := build("default"); strings.Contains(xml, `source network="default"`) {
		t.Error("default network must not add an explicit interface")
	}
	if xml := build("none"); strings.Contains(xml, "<interface") {
		t.Error("none network must not add an interface")
	}
	if xml := build("user"); !strings.Contains(xml, `interface type="user"`) {
		t.Error("user network missing")
	}
	if xml := build("bridge=virbr0"); !strings.Contains(xml, `source bridge="virbr0"`) {
		t.Error("bridge network missing")
	}
	if xml := build("mynet"); !strings.Contains(xml, `source network="mynet"`) {
		t.Error("named network missing")
	}
}

func TestDomainVirtiofsFilesystems(t *testing.T) {
	xml, err := NewDomainBuilder().
		WithName("t").WithMemory(1024).WithVcpus(1).
		WithVirtiofsFilesystem(VirtiofsFilesystem{SourceDir: "/srv/data", Tag: "data"}).
		WithVirtiofsFilesystem(VirtiofsFilesystem{SourceDir: "/var/lib/containers/storage", Tag: "hoststorage", Readonly: true}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`driver type="virtiofs"`,
		`source dir="/srv/data"`,
		`target dir="data"`,
		`source dir="/var/lib/containers/storage"`,
		`target dir="hoststorage"`,
		"<readonly/>",
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("missing %q in:\n%s", want, xml)
		}
	}
}

func TestDomainQemuArgs(t *testing.T) {
	xml, err := NewDomainBuilder().
		WithName("t").WithMemory(1024).WithVcpus(1).
		WithQemuArgs([]string{"-smbios", "type=11,value=io.systemd.credential:x=y"}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`xmlns:qemu="http://libvirt.org/schemas/domain/qemu/1.0"`,
		"<qemu:commandline>",
		`qemu:arg value="-smbios"`,
		`qemu:arg value="type=11,value=io.systemd.credential:x=y"`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("missing %q in:\n%s", want, xml)
		}
	}

	// Without qemu args, no namespace declaration appears.
	xml, err = NewDomainBuilder().WithName("t").WithMemory(1024).WithVcpus(1).Build()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(xml, "xmlns:qemu") {
		t.Error("qemu namespace declared without qemu args")
	}
}

func TestDomainVNCAndTPMToggles(t *testing.T) {
	xml, err := NewDomainBuilder().
		WithName("t").WithMemory(1024).WithVcpus(1).
		WithVNC(5901).
		WithTPM(false).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(xml, `graphics type="vnc" port="5901" listen="127.0.0.1"`) {
		t.Errorf("missing vnc graphics:\n%s", xml)
	}
	if strings.Contains(xml, "tpm") {
		t.Errorf("TPM present though disabled:\n%s", xml)
	}
}

func TestDomainSecureBootFirmware(t *testing.T) {
	xml, err := NewDomainBuilder().
		WithName("t").WithMemory(1024).WithVcpus(1).
		WithFirmware(FirmwareUefiSecure).
		WithOVMFCode("/usr/share/edk2/ovmf/OVMF_CODE.secboot.fd").
		WithNVRAMTemplate("/keys/OVMF_VARS_CUSTOM.fd").
		Build()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`<loader readonly="yes" type="pflash" secure="yes">/usr/share/edk2/ovmf/OVMF_CODE.secboot.fd</loader>`,
		`nvram template="/keys/OVMF_VARS_CUSTOM.fd"`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("missing %q in:\n%s", want, xml)
		}
	}
}

func TestDomainBuilderValidation(t *testing.T) {
	if _, err := NewDomainBuilder().WithMemory(1024).WithVcpus(1).Build(); err == nil {
		t.Error("expected error without name")
	}
	if _, err := NewDomainBuilder().WithName("t").WithVcpus(1).Build(); err == nil {
		t.Error("expected error without memory")
	}
	if _, err := NewDomainBuilder().WithName("t").WithMemory(1024).Build(); err == nil {
		t.Error("expected error without vcpus")
	}
}
