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

package xmlq

import (
	"strings"
	"testing"
)

func TestWriterBasic(t *testing.T) {
	w := NewWriter()
	w.StartElement("root")
	w.TextElement("name", "test")
	w.TextElement("memory", "4096", Attr{"unit", "MiB"})
	w.EmptyElement("disk", Attr{"type", "file"})
	w.EndElement("root")

	xml := w.String()
	for _, want := range []string{
		"<root>",
		"<name>test</name>",
		`<memory unit="MiB">4096</memory>`,
		`<disk type="file"/>`,
		"</root>",
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("missing %q in %q", want, xml)
		}
	}
}

func TestWriterEscaping(t *testing.T) {
	w := NewWriter()
	w.TextElement("cmdline", `console=ttyS0 foo="a<b"`)
	xml := w.String()
	if !strings.Contains(xml, "a&lt;b") {
		t.Errorf("text not escaped: %q", xml)
	}
	w = NewWriter()
	w.EmptyElement("source", Attr{"file", `/path/with"quote`})
	xml = w.String()
	if strings.Contains(xml, `file="/path/with"quote"`) {
		t.Errorf("attribute not escaped: %q", xml)
	}
}

func TestParseFind(t *testing.T) {
	doc := `
	<domain>
		<memory unit='MiB'>2048</memory>
		<vcpu>4</vcpu>
		<metadata>
			<bootc:container xmlns:bootc="https://github.com/containers/bootc">
				<bootc:source-image>quay.io/fedora/fedora-bootc:42</bootc:source-image>
				<bootc:filesystem>xfs</bootc:filesystem>
			</bootc:container>
		</metadata>
	</domain>`

	dom, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if got := dom.Find("memory").TextContent(); got != "2048" {
		t.Errorf("memory = %q", got)
	}
	if got := dom.Find("memory").Attributes["unit"]; got != "MiB" {
		t.Errorf("memory unit = %q", got)
	}
	if got := dom.Find("vcpu").TextContent(); got != "4" {
		t.Errorf("vcpu = %q", got)
	}
	if dom.Find("nonexistent") != nil {
		t.Error("found nonexistent element")
	}

	if got := dom.FindWithNamespace("source-image").TextContent(); got != "quay.io/fedora/fedora-bootc:42" {
		t.Errorf("source-image = %q", got)
	}
	if got := dom.FindWithNamespace("filesystem").TextContent(); got != "xfs" {
		t.Errorf("filesystem = %q", got)
	}
	if dom.FindWithNamespace("nonexistent") != nil {
		t.Error("found nonexistent namespaced element")
	}
}

func TestParsePrefersNamespaced(t *testing.T) {
	doc := `
	<domain>
		<metadata>
			<bootc:container xmlns:bootc="https://github.com/containers/bootc">
				<bootc:source-image>namespaced-image</bootc:source-image>
				<source-image>non-namespaced-image</source-image>
			</bootc:container>
		</metadata>
	</domain>`

	dom, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if got := dom.FindWithNamespace("source-image").TextContent(); got != "namespaced-image" {
		t.Errorf("expected namespaced element to win, got %q", got)
	}
}

func TestParseBareMetadata(t *testing.T) {
	// Externally-edited XML may drop the namespace declaration entirely.
	doc := `
	<domain>
		<metadata>
			<container>
				<ssh-port>2222</ssh-port>
			</container>
		</metadata>
	</domain>`

	dom, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if got := dom.FindWithNamespace("ssh-port").TextContent(); got != "2222" {
		t.Errorf("ssh-port = %q", got)
	}
}

func TestParseAttributesOnNestedDevices(t *testing.T) {
	doc := `
	<domain>
		<devices>
			<disk type="file" device="disk">
				<driver name="qemu" type="qcow2"/>
				<source file="/var/lib/libvirt/images/test.qcow2"/>
				<target dev="vda" bus="virtio"/>
			</disk>
		</devices>
	</domain>`

	dom, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	disk := dom.Find("disk")
	if disk == nil {
		t.Fatal("no disk element")
	}
	if got := disk.Attributes["type"]; got != "file" {
		t.Errorf("disk type = %q", got)
	}
	src := disk.Find("source")
	if src == nil || src.Attributes["file"] != "/var/lib/libvirt/images/test.qcow2" {
		t.Errorf("source = %+v", src)
	}
}

func TestParseNoRoot(t *testing.T) {
	if _, err := Parse("   "); err == nil {
		t.Error("expected error for empty document")
	}
}
