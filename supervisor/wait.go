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

package supervisor

import (
	"bufio"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk/system/exec"
	"github.com/coreos/bcvk/util"
)

// SSHTimeout is the default deadline for a VM to become reachable.
const SSHTimeout = 240 * time.Second

// WaitForVMSSH consumes the readiness stream of the named VM-host
// container until ssh_access flips true, the monitor exits, or the
// timeout elapses. It returns supported=false when a record without a
// state field arrives, meaning the guest does not support readiness
// notification and the caller must fall back to SSH polling.
func WaitForVMSSH(containerName string, timeout time.Duration, progress Progress) (supported bool, err error) {
	if timeout == 0 {
		timeout = SSHTimeout
	}
	plog.Debugf("waiting for VM readiness via supervisor status (timeout: %s)", timeout)

	// The monitor child is re-invoked from the entrypoint binary baked
	// into the container, watching the status file with inotify.
	cmd := exec.Command("podman", "exec", containerName,
		ContainerStateDir+"/entrypoint", "monitor-status")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, errors.Wrap(err, "creating monitor pipe")
	}
	if err := cmd.Start(); err != nil {
		return false, errors.Wrap(err, "failed to start status monitor")
	}
	// The monitor child is killed explicitly once the desired
	// condition is observed.
	defer cmd.Kill() //nolint // cleanup

	type result struct {
		supported bool
		err       error
	}
	ch := make(chan result, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			status, err := ParseStatus(scanner.Bytes())
			if err != nil {
				ch <- result{false, err}
				return
			}
			plog.Debugf("status update: %v", status.State)

			if status.SSHAccess {
				ch <- result{true, nil}
				return
			}
			if status.State == nil {
				plog.Debugf("target does not support systemd readiness")
				ch <- result{false, nil}
				return
			}
			switch status.State.Kind {
			case StateReady:
				progress.SetMessage("Ready")
			case StateReachedTarget:
				progress.SetMessage("Reached target " + status.State.Target)
			case StateWaitingForSystemd:
				progress.SetMessage("Waiting for systemd...")
			}
		}
		// Stream ended: the monitor exited, which is unexpected.
		err := cmd.Wait()
		ch <- result{false, errors.Errorf("monitor process exited unexpectedly: %v", err)}
	}()

	select {
	case r := <-ch:
		return r.supported, r.err
	case <-time.After(timeout):
		return false, errors.Errorf("timed out waiting for VM readiness after %s", timeout)
	}
}

// SSHProbe attempts one SSH connection, reporting success.
type SSHProbe func() (bool, error)

// WaitForSSHReady first waits on the readiness stream, then polls the
// SSH endpoint with probe every second until success or timeout.
func WaitForSSHReady(containerName string, timeout time.Duration, progress Progress, probe SSHProbe) error {
	if timeout == 0 {
		timeout = SSHTimeout
	}
	start := time.Now()
	if _, err := WaitForVMSSH(containerName, timeout, progress); err != nil {
		return err
	}
	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		return errors.Errorf("timed out waiting for SSH after %s", timeout)
	}

	plog.Debugf("polling SSH connectivity")
	progress.SetMessage("Waiting for SSH")
	if err := util.WaitUntilReady(remaining, time.Second, func() (bool, error) {
		ok, err := probe()
		if err != nil {
			// Connection failures just mean "not yet".
			plog.Debugf("ssh probe: %v", err)
			return false, nil
		}
		return ok, nil
	}); err != nil {
		return errors.Errorf("timed out waiting for SSH after %s", timeout)
	}
	return nil
}

// RunMonitor is the entrypoint of the monitor-status subcommand.
func RunMonitor() error {
	return MonitorStatus(StatusFile, os.Stdout)
}
