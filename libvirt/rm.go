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
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// RemoveOpts control domain removal.
type RemoveOpts struct {
	// Force skips confirmation and implies Stop.
	Force bool
	// Stop destroys a running domain before removal.
	Stop bool
}

// removeDomain stops (when allowed) and undefines a domain, erasing
// nvram and registered storage, and unlinking the recorded disk file
// whether or not the pool tracks it.
func (o *Options) removeDomain(vmName, state string, info *Domain, stopIfRunning bool) error {
	if state == "running" {
		if !stopIfRunning {
			return errors.Errorf(
				"VM '%s' is running. Use --stop or --force to remove a running VM, or stop it first.", vmName)
		}
		if _, err := o.Virsh("destroy", vmName); err != nil {
			return errors.Wrapf(err, "failed to stop VM '%s' before removal", vmName)
		}
	}

	// Unmanaged disk files are unlinked explicitly;
	// --remove-all-storage only covers pool-registered volumes.
	if info.DiskPath != "" {
		if _, err := os.Stat(info.DiskPath); err == nil {
			if err := os.Remove(info.DiskPath); err != nil {
				return errors.Wrapf(err, "failed to remove disk file %s", info.DiskPath)
			}
		}
	}

	if _, err := o.Virsh("undefine", vmName, "--nvram", "--remove-all-storage"); err != nil {
		return errors.Wrap(err, "failed to remove libvirt domain")
	}
	return nil
}

// RemoveForced removes a VM without confirmation.
func (o *Options) RemoveForced(vmName string, stopIfRunning bool) error {
	state, err := o.DomainState(vmName)
	if err != nil {
		return errors.Errorf("VM '%s' not found", vmName)
	}
	info, err := o.GetDomain(vmName)
	if err != nil {
		return errors.Wrapf(err, "failed to get info for VM '%s'", vmName)
	}
	return o.removeDomain(vmName, state, info, stopIfRunning)
}

// Remove removes a VM. Without Force, the full resource inventory that
// will be deleted is printed and nothing happens until the caller
// confirms by re-running with --force.
func (o *Options) Remove(vmName string, opts RemoveOpts) error {
	state, err := o.DomainState(vmName)
	if err != nil {
		return errors.Errorf("VM '%s' not found", vmName)
	}
	info, err := o.GetDomain(vmName)
	if err != nil {
		return errors.Wrapf(err, "failed to get info for VM '%s'", vmName)
	}

	if state == "running" && opts.Force {
		fmt.Printf("Stopping running VM '%s'...\n", vmName)
	}

	if !opts.Force {
		fmt.Printf("This will permanently delete VM '%s' and its data:\n", vmName)
		if info.Image != "" {
			fmt.Printf("  Image: %s\n", info.Image)
		}
		if info.DiskPath != "" {
			fmt.Printf("  Disk: %s\n", info.DiskPath)
		}
		fmt.Printf("  Status: %s\n", info.StatusString())
		fmt.Println()
		fmt.Println("Are you sure? This cannot be undone. Use --force to skip this prompt.")
		return nil
	}

	fmt.Printf("Removing VM '%s'...\n", vmName)
	if err := o.removeDomain(vmName, state, info, opts.Stop || opts.Force); err != nil {
		return err
	}
	fmt.Printf("VM '%s' removed successfully\n", vmName)
	return nil
}

// RemoveAll removes every bcvk domain.
func (o *Options) RemoveAll(opts RemoveOpts) error {
	domains, err := o.ListBcvkDomains()
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		fmt.Println("No bcvk domains found")
		return nil
	}
	if !opts.Force {
		fmt.Printf("This will permanently delete %d VM(s) and their data:\n", len(domains))
		for _, d := range domains {
			fmt.Printf("  %s (%s)\n", d.Name, d.StatusString())
		}
		fmt.Println()
		fmt.Println("Are you sure? This cannot be undone. Use --force to skip this prompt.")
		return nil
	}
	for _, d := range domains {
		if err := o.removeDomain(d.Name, d.State, d, opts.Stop || opts.Force); err != nil {
			return errors.Wrapf(err, "removing VM '%s'", d.Name)
		}
		fmt.Printf("VM '%s' removed\n", d.Name)
	}
	return nil
}
