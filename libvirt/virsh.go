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
	"strings"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk/system/exec"
	"github.com/coreos/bcvk/xmlq"
)

// virshCommand builds a virsh invocation honoring the connection URI.
func (o *Options) virshCommand(args ...string) *exec.ExecCmd {
	var full []string
	if o.Connect != "" {
		full = append(full, "-c", o.Connect)
	}
	full = append(full, args...)
	return exec.Command("virsh", full...)
}

// Virsh runs a virsh command and returns trimmed stdout; the captured
// stderr is attached to any failure.
func (o *Options) Virsh(args ...string) (string, error) {
	cmd := o.virshCommand(args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Errorf("virsh %s: %s", strings.Join(args, " "),
			strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// VirshXML runs a virsh command producing XML and parses it into a DOM.
func (o *Options) VirshXML(args ...string) (*xmlq.Node, error) {
	out, err := o.Virsh(args...)
	if err != nil {
		return nil, err
	}
	dom, err := xmlq.Parse(out)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing virsh %s output", strings.Join(args, " "))
	}
	return dom, nil
}

// ListAllDomains lists every defined domain name, running or not.
func (o *Options) ListAllDomains() ([]string, error) {
	out, err := o.Virsh("list", "--all", "--name")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list domains")
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// DomainState returns the state string of a domain ("running",
// "shut off", "paused", ...).
func (o *Options) DomainState(name string) (string, error) {
	out, err := o.Virsh("domstate", name)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get domain state for '%s'", name)
	}
	return strings.TrimSpace(out), nil
}

// DomainXML returns the parsed XML of a domain.
func (o *Options) DomainXML(name string) (*xmlq.Node, error) {
	dom, err := o.VirshXML("dumpxml", name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get XML for domain '%s'", name)
	}
	return dom, nil
}

// PoolPathXML extracts /pool/path from pool-dumpxml output.
func (o *Options) PoolPathXML(pool string) (string, error) {
	dom, err := o.VirshXML("pool-dumpxml", pool)
	if err != nil {
		return "", err
	}
	node := dom.Find("path")
	if node == nil || node.TextContent() == "" {
		return "", errors.Errorf("could not find path in storage pool XML for %q", pool)
	}
	return node.TextContent(), nil
}

// VolList returns the volume names of a pool, skipping the two header
// lines and taking the first whitespace-separated token per row.
func (o *Options) VolList(pool string) ([]string, error) {
	out, err := o.Virsh("vol-list", pool)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(out, "\n")
	if len(lines) <= 2 {
		return nil, nil
	}
	var names []string
	for _, line := range lines[2:] {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names, nil
}

// PoolRefresh re-scans a pool so recently created files are visible.
func (o *Options) PoolRefresh(pool string) error {
	_, err := o.Virsh("pool-refresh", pool)
	return err
}
