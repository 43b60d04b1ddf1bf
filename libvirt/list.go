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
	"strconv"
	"strings"

	"github.com/coreos/bcvk/xmlq"
)

// Domain is the bcvk view of a libvirt domain, assembled from domstate
// and the XML metadata section. Metadata read back from XML is never
// trusted to be well-formed: every field is optional.
type Domain struct {
	// Name of the domain.
	Name string `json:"name" yaml:"name"`
	// State as reported by the hypervisor (running, shut off, ...).
	State string `json:"state" yaml:"state"`
	// Image is the source container image, when recorded.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`
	// MemoryMB from domain XML.
	MemoryMB uint64 `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	// Vcpus from domain XML.
	Vcpus uint32 `json:"vcpus,omitempty" yaml:"vcpus,omitempty"`
	// DiskPath is the first file-backed disk device.
	DiskPath string `json:"disk_path,omitempty" yaml:"disk_path,omitempty"`
	// Labels are operator labels, comma-separated in the metadata.
	Labels []string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// IsRunning reports whether the domain is running.
func (d *Domain) IsRunning() bool {
	return d.State == "running"
}

// IsStopped reports whether the domain is shut off.
func (d *Domain) IsStopped() bool {
	return d.State == "shut off"
}

// StatusString maps hypervisor states onto user-facing words.
func (d *Domain) StatusString() string {
	switch d.State {
	case "shut off":
		return "stopped"
	default:
		return d.State
	}
}

// IsBcvkDomain reports whether the parsed domain XML was created by
// this toolkit. The sole criterion is presence of the source-image
// metadata field; name patterns are not trusted.
func IsBcvkDomain(dom *xmlq.Node) bool {
	return dom.FindWithNamespace("source-image") != nil
}

// domainFromXML extracts the bcvk view from a parsed domain document.
func domainFromXML(name, state string, dom *xmlq.Node) *Domain {
	d := &Domain{Name: name, State: state}
	if node := dom.FindWithNamespace("source-image"); node != nil {
		d.Image = node.TextContent()
	}
	if node := dom.Find("memory"); node != nil {
		if mb, ok := ParseMemoryMB(node); ok {
			d.MemoryMB = mb
		}
	}
	if node := dom.Find("vcpu"); node != nil {
		if v, err := strconv.ParseUint(node.TextContent(), 10, 32); err == nil {
			d.Vcpus = uint32(v)
		}
	}
	d.DiskPath = extractDiskPath(dom)
	if node := dom.FindWithNamespace("label"); node != nil {
		for _, l := range strings.Split(node.TextContent(), ",") {
			if l = strings.TrimSpace(l); l != "" {
				d.Labels = append(d.Labels, l)
			}
		}
	}
	return d
}

// extractDiskPath returns the source file of the first type="file"
// disk device.
func extractDiskPath(dom *xmlq.Node) string {
	disk := findDiskWithFileType(dom)
	if disk == nil {
		return ""
	}
	src := disk.Find("source")
	if src == nil {
		return ""
	}
	return src.Attributes["file"]
}

func findDiskWithFileType(node *xmlq.Node) *xmlq.Node {
	if node.Name == "disk" && node.Attributes["type"] == "file" {
		return node
	}
	for _, child := range node.Children {
		if found := findDiskWithFileType(child); found != nil {
			return found
		}
	}
	return nil
}

// GetDomain assembles the bcvk view of one domain.
func (o *Options) GetDomain(name string) (*Domain, error) {
	state, err := o.DomainState(name)
	if err != nil {
		return nil, err
	}
	dom, err := o.DomainXML(name)
	if err != nil {
		return nil, err
	}
	return domainFromXML(name, state, dom), nil
}

// ListBcvkDomains returns every domain created by this toolkit.
func (o *Options) ListBcvkDomains() ([]*Domain, error) {
	names, err := o.ListAllDomains()
	if err != nil {
		return nil, err
	}
	var domains []*Domain
	for _, name := range names {
		dom, err := o.DomainXML(name)
		if err != nil {
			plog.Warningf("failed to get XML for domain '%s': %v", name, err)
			continue
		}
		if !IsBcvkDomain(dom) {
			continue
		}
		state, err := o.DomainState(name)
		if err != nil {
			plog.Warningf("failed to get state for domain '%s': %v", name, err)
			continue
		}
		domains = append(domains, domainFromXML(name, state, dom))
	}
	return domains, nil
}
