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
	"testing"

	"github.com/coreos/bcvk/xmlq"
)

func TestConvertMemoryToMB(t *testing.T) {
	for _, tt := range []struct {
		value uint64
		unit  string
		want  uint64
	}{
		// Binary units (powers of 1024).
		{4194304, "KiB", 4096},
		{2097152, "KiB", 2048},
		{2048, "MiB", 2048},
		{4, "GiB", 4096},
		{1, "TiB", 1024 * 1024},
		// Short forms are binary too.
		{4, "G", 4096},
		{2048, "M", 2048},
		{2097152, "K", 2048},
		// Decimal units (powers of 1000).
		{1048576, "KB", 1000},
		{1024, "MB", 976},
		{4, "GB", 3814},
		// Bytes.
		{2 * 1024 * 1024, "B", 2},
		// Unknown units are treated as KiB, the hypervisor default.
		{4194304, "parsecs", 4096},
	} {
		if got := ConvertMemoryToMB(tt.value, tt.unit); got != tt.want {
			t.Errorf("ConvertMemoryToMB(%d, %q) = %d, want %d", tt.value, tt.unit, got, tt.want)
		}
	}
}

func TestParseMemoryMB(t *testing.T) {
	for _, tt := range []struct {
		xml  string
		want uint64
	}{
		{`<memory>4194304</memory>`, 4096},
		{`<memory unit='MiB'>2048</memory>`, 2048},
		{`<memory unit='GiB'>4</memory>`, 4096},
		{`<memory unit='KB'>1048576</memory>`, 1000},
	} {
		dom, err := xmlq.Parse(tt.xml)
		if err != nil {
			t.Fatal(err)
		}
		got, ok := ParseMemoryMB(dom)
		if !ok || got != tt.want {
			t.Errorf("ParseMemoryMB(%s) = %d, %v; want %d", tt.xml, got, ok, tt.want)
		}
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	// to_mib(to_bytes(x, unit), "B") == x in MiB within integer
	// precision.
	const x = 4096 // MiB
	bytes := uint64(x) * 1024 * 1024
	if got := ConvertMemoryToMB(bytes, "B"); got != x {
		t.Errorf("round trip = %d, want %d", got, x)
	}
}

func TestParseVolumeSize(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want uint64
	}{
		{"5.00 GiB", 5 * 1024 * 1024 * 1024},
		{"512.00 MiB", 512 * 1024 * 1024},
		{"1.50 KiB", 1536},
		{"17 B", 17},
		{"2.00 TiB", 2 * 1024 * 1024 * 1024 * 1024},
	} {
		got, err := ParseVolumeSize(tt.s)
		if err != nil {
			t.Errorf("ParseVolumeSize(%q): %v", tt.s, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVolumeSize(%q) = %d, want %d", tt.s, got, tt.want)
		}
	}

	for _, bad := range []string{"", "5.00", "GiB", "x y z", "5.00 parsecs"} {
		if _, err := ParseVolumeSize(bad); err == nil {
			t.Errorf("ParseVolumeSize(%q): expected error", bad)
		}
	}
}

func TestBaseDiskName(t *testing.T) {
	fp := "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	if got := BaseDiskName(fp); got != "bootc-base-0123456789abcdef.qcow2" {
		t.Errorf("BaseDiskName = %q", got)
	}
	if !IsBaseDiskName("bootc-base-0123456789abcdef.qcow2") {
		t.Error("base disk name not recognized")
	}
	if IsBaseDiskName("myvm.qcow2") || IsBaseDiskName("bootc-base-abc.raw") {
		t.Error("non base disk name recognized")
	}
}

func TestDomainFromXML(t *testing.T) {
	doc := `
	<domain>
		<name>testvm</name>
		<memory unit='MiB'>2048</memory>
		<vcpu>4</vcpu>
		<devices>
			<disk type="file" device="disk">
				<driver name="qemu" type="qcow2"/>
				<source file="/var/lib/libvirt/images/testvm.qcow2"/>
				<target dev="vda" bus="virtio"/>
			</disk>
		</devices>
		<metadata>
			<bootc:container xmlns:bootc="https://github.com/containers/bootc">
				<bootc:source-image>quay.io/fedora/fedora-bootc:42</bootc:source-image>
				<bootc:label>dev, test</bootc:label>
			</bootc:container>
		</metadata>
	</domain>`

	dom, err := xmlq.Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if !IsBcvkDomain(dom) {
		t.Fatal("domain with source-image not recognized as bcvk's")
	}
	d := domainFromXML("testvm", "running", dom)
	if d.Image != "quay.io/fedora/fedora-bootc:42" {
		t.Errorf("image = %q", d.Image)
	}
	if d.MemoryMB != 2048 {
		t.Errorf("memory = %d", d.MemoryMB)
	}
	if d.Vcpus != 4 {
		t.Errorf("vcpus = %d", d.Vcpus)
	}
	if d.DiskPath != "/var/lib/libvirt/images/testvm.qcow2" {
		t.Errorf("disk path = %q", d.DiskPath)
	}
	if len(d.Labels) != 2 || d.Labels[0] != "dev" || d.Labels[1] != "test" {
		t.Errorf("labels = %v", d.Labels)
	}
	if !d.IsRunning() || d.IsStopped() {
		t.Error("state predicates wrong for running")
	}
}

func TestIsBcvkDomainForeign(t *testing.T) {
	dom, err := xmlq.Parse(`<domain><name>other</name></domain>`)
	if err != nil {
		t.Fatal(err)
	}
	if IsBcvkDomain(dom) {
		t.Error("foreign domain recognized as bcvk's")
	}
}

func TestDomainStatusString(t *testing.T) {
	d := &Domain{State: "shut off"}
	if d.StatusString() != "stopped" {
		t.Errorf("StatusString = %q", d.StatusString())
	}
	d = &Domain{State: "paused"}
	if d.StatusString() != "paused" {
		t.Errorf("StatusString = %q", d.StatusString())
	}
}

func TestResolveMonitorPID(t *testing.T) {
	pid, err := ResolveMonitorPID("12345")
	if err != nil || pid != 12345 {
		t.Errorf("ResolveMonitorPID(12345) = %d, %v", pid, err)
	}
	if pid, err := ResolveMonitorPID("parent"); err != nil || pid <= 0 {
		t.Errorf("ResolveMonitorPID(parent) = %d, %v", pid, err)
	}
	for _, bad := range []string{"", "abc", "-1", "0"} {
		if _, err := ResolveMonitorPID(bad); err == nil {
			t.Errorf("ResolveMonitorPID(%q): expected error", bad)
		}
	}
}
