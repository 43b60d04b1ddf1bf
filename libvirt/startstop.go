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
	"time"

	"github.com/pkg/errors"
)

// Start starts a stopped domain; starting a running one is a no-op.
func (o *Options) Start(vmName string) error {
	state, err := o.DomainState(vmName)
	if err != nil {
		return errors.Errorf("VM '%s' not found", vmName)
	}
	if state == "running" {
		fmt.Printf("VM '%s' is already running\n", vmName)
		return nil
	}
	fmt.Printf("Starting VM '%s'...\n", vmName)
	if _, err := o.Virsh("start", vmName); err != nil {
		return errors.Wrapf(err, "failed to start VM '%s'", vmName)
	}
	fmt.Printf("VM '%s' started successfully\n", vmName)
	return nil
}

// StopOpts control domain shutdown.
type StopOpts struct {
	// Force destroys the domain instead of asking it to shut down.
	Force bool
	// Timeout bounds the graceful-shutdown wait.
	Timeout time.Duration
}

// Stop stops a running domain; stopping a stopped one is a no-op.
// Graceful shutdown polls the state until the domain reports shut off
// or the timeout elapses.
func (o *Options) Stop(vmName string, opts StopOpts) error {
	state, err := o.DomainState(vmName)
	if err != nil {
		return errors.Errorf("VM '%s' not found", vmName)
	}
	if state != "running" {
		fmt.Printf("VM '%s' is already stopped (state: %s)\n", vmName, state)
		return nil
	}

	fmt.Printf("Stopping VM '%s'...\n", vmName)
	if opts.Force {
		if _, err := o.Virsh("destroy", vmName); err != nil {
			return errors.Wrapf(err, "failed to stop VM '%s'", vmName)
		}
		fmt.Printf("VM '%s' stopped successfully\n", vmName)
		return nil
	}

	if _, err := o.Virsh("shutdown", vmName); err != nil {
		return errors.Wrapf(err, "failed to stop VM '%s'", vmName)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	deadline := time.After(timeout)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return errors.Errorf(
				"timed out waiting for VM '%s' to shut down after %s; use --force to destroy it", vmName, timeout)
		case <-tick.C:
			state, err := o.DomainState(vmName)
			if err != nil {
				return errors.Wrapf(err, "polling state of VM '%s'", vmName)
			}
			if state == "shut off" {
				fmt.Printf("VM '%s' stopped successfully\n", vmName)
				return nil
			}
		}
	}
}
