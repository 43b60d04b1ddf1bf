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

package platform

import (
	"bytes"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk/system/exec"
)

// virtiofsdSocketTimeout is the overall deadline for a daemon's unix
// socket to appear.
const virtiofsdSocketTimeout = 60 * time.Second

// virtiofsdPaths are the locations searched for the daemon binary.
var virtiofsdPaths = []string{
	"/usr/libexec/virtiofsd",
	"/usr/bin/virtiofsd",
	"/usr/local/bin/virtiofsd",
	"/usr/lib/virtiofsd",
}

var virtiofsdReadonly struct {
	once      sync.Once
	supported bool
}

// findVirtiofsd locates the virtiofsd binary.
func findVirtiofsd() (string, error) {
	for _, p := range virtiofsdPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.Errorf("virtiofsd binary not found; searched %v. Please install virtiofsd.", virtiofsdPaths)
}

// supportsReadonly probes the daemon once for the --readonly flag.
func supportsReadonly(binary string) bool {
	virtiofsdReadonly.once.Do(func() {
		out, _ := exec.Command(binary, "--help").CombinedOutput()
		virtiofsdReadonly.supported = bytes.Contains(out, []byte("--readonly"))
	})
	return virtiofsdReadonly.supported
}

// virtiofsdDaemon supervises one virtiofsd process serving one share.
type virtiofsdDaemon struct {
	cmd        *exec.ExecCmd
	socketPath string
	stderr     *bytes.Buffer
	exited     chan error
}

// startVirtiofsd validates the share and spawns its daemon. The daemon
// inherits a parent-death signal so it cannot outlive us.
func startVirtiofsd(share *VirtiofsShare) (*virtiofsdDaemon, error) {
	st, err := os.Stat(share.Source)
	if err != nil {
		return nil, errors.Wrapf(err, "virtiofs shared directory %s", share.Source)
	}
	if !st.IsDir() {
		return nil, errors.Errorf("virtiofs shared directory is not a directory: %s", share.Source)
	}

	binary, err := findVirtiofsd()
	if err != nil {
		return nil, err
	}

	args := []string{
		"--socket-path", share.socketPath,
		"--shared-dir", share.Source,
		// Avoid fd exhaustion with large trees.
		"--cache=never",
		"--sandbox=none",
	}
	if share.Readonly && supportsReadonly(binary) {
		args = append(args, "--readonly")
	}
	// https://gitlab.com/virtio-fs/virtiofsd/-/issues/17 - this is the
	// new default, but stay compatible with older virtiofsd too.
	args = append(args, "--inode-file-handles=fallback")

	cmd := exec.Command(binary, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "spawning virtiofsd for %s", share.Source)
	}
	plog.Debugf("spawned virtiofsd: binary=%s socket=%s shared_dir=%s", binary, share.socketPath, share.Source)

	daemon := &virtiofsdDaemon{
		cmd:        cmd,
		socketPath: share.socketPath,
		stderr:     stderr,
		exited:     make(chan error, 1),
	}
	go func() {
		daemon.exited <- cmd.Wait()
	}()
	return daemon, nil
}

// waitForSocket polls for the daemon's socket. If the daemon exits
// before the socket appears, its captured stderr is the failure cause.
func (d *virtiofsdDaemon) waitForSocket(timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-d.exited:
			return errors.Errorf("virtiofsd failed to start for socket %s: %v\n%s",
				d.socketPath, err, d.stderr.String())
		case <-deadline:
			return errors.Errorf("timed out waiting for virtiofsd socket %s to be created (waited %v)",
				d.socketPath, timeout)
		case <-tick.C:
			if _, err := os.Stat(d.socketPath); err == nil {
				plog.Debugf("virtiofsd socket created: %s", d.socketPath)
				return nil
			}
		}
	}
}

func (d *virtiofsdDaemon) kill() {
	if d.cmd != nil {
		d.cmd.Kill() //nolint // Ignore errors
	}
}
