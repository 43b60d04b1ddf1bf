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
	"sync"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk/system/exec"
)

// readonlyVirtiofsMinMajor is the first libvirt release with readonly
// virtiofs support (rust virtiofsd based).
const readonlyVirtiofsMinMajor = 11

// Version is a parsed libvirt version.
type Version struct {
	Major       uint32 `json:"major" yaml:"major"`
	Minor       uint32 `json:"minor" yaml:"minor"`
	Micro       uint32 `json:"micro" yaml:"micro"`
	FullVersion string `json:"full_version" yaml:"full_version"`
}

// Status describes the libvirt environment.
type Status struct {
	Version                  *Version `json:"version" yaml:"version"`
	SupportsReadonlyVirtiofs bool     `json:"supports_readonly_virtiofs" yaml:"supports_readonly_virtiofs"`
	DomainCount              int      `json:"domain_count" yaml:"domain_count"`
	RunningDomainCount       int      `json:"running_domain_count" yaml:"running_domain_count"`
}

// parseVersionString parses "6.2.0" style strings; missing components
// default to zero, trailing components are ignored.
func parseVersionString(s string) *Version {
	parts := strings.Split(s, ".")
	if len(parts) == 0 {
		return nil
	}
	major, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil
	}
	v := &Version{Major: uint32(major), FullVersion: s}
	if len(parts) > 1 {
		if minor, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
			v.Minor = uint32(minor)
		}
	}
	if len(parts) > 2 {
		if micro, err := strconv.ParseUint(parts[2], 10, 32); err == nil {
			v.Micro = uint32(micro)
		}
	}
	return v
}

// parseVersionFromOutput finds "libvirt X.Y.Z" in virsh version output
// such as "Compiled against library: libvirt 6.2.0".
func parseVersionFromOutput(out string) *Version {
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "libvirt ")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("libvirt "):]
		if end := strings.IndexByte(rest, ' '); end >= 0 {
			rest = rest[:end]
		}
		if v := parseVersionString(rest); v != nil {
			return v
		}
	}
	return nil
}

var libvirtVersion struct {
	once sync.Once
	v    *Version
	err  error
}

// LibvirtVersion returns the installed libvirt version, parsed once
// per process. A nil version with nil error means virsh gave no
// parseable version.
func LibvirtVersion() (*Version, error) {
	libvirtVersion.once.Do(func() {
		out, err := exec.Command("virsh", "version").Output()
		if err != nil {
			libvirtVersion.err = errors.Wrap(err, "failed to check libvirt version")
			return
		}
		libvirtVersion.v = parseVersionFromOutput(string(out))
	})
	return libvirtVersion.v, libvirtVersion.err
}

// SupportsReadonlyVirtiofs reports whether a version can mount
// virtiofs shares read-only.
func SupportsReadonlyVirtiofs(v *Version) bool {
	return v != nil && v.Major >= readonlyVirtiofsMinMajor
}

// CheckReadonlyVirtiofsSupport returns a hard, actionable error when
// the installed libvirt cannot do read-only virtiofs. Mounting the
// host storage read-write instead would be a silent security downgrade.
func CheckReadonlyVirtiofsSupport() error {
	v, err := LibvirtVersion()
	if err != nil {
		return err
	}
	if SupportsReadonlyVirtiofs(v) {
		return nil
	}
	if v != nil {
		return errors.Errorf(
			"read-only virtiofs requires libvirt %d.0 or later. Current version: %s",
			readonlyVirtiofsMinMajor, v.FullVersion)
	}
	return errors.Errorf(
		"could not parse libvirt version; read-only virtiofs requires libvirt %d.0+ with rust-based virtiofsd support",
		readonlyVirtiofsMinMajor)
}

// GetStatus assembles the environment report.
func (o *Options) GetStatus() (*Status, error) {
	v, err := LibvirtVersion()
	if err != nil {
		return nil, err
	}
	domains, err := o.ListAllDomains()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list domains")
	}
	running := 0
	for _, name := range domains {
		if state, err := o.DomainState(name); err == nil && state == "running" {
			running++
		}
	}
	return &Status{
		Version:                  v,
		SupportsReadonlyVirtiofs: SupportsReadonlyVirtiofs(v),
		DomainCount:              len(domains),
		RunningDomainCount:       running,
	}, nil
}
