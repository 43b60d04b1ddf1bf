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

// Package ephemeral launches disposable VM-host containers via podman.
//
// An ephemeral VM is the image run as a container that hosts QEMU: the
// container entrypoint (this binary, bind mounted in) boots the image
// root found at its root directory through the platform package and
// supervises the VM. State disappears with the container. This package
// holds both sides: the host-side podman glue (PodmanRunner, RunSSH)
// and the in-container entrypoint (RunEntrypoint).
package ephemeral

import (
	"fmt"
	"os"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/coreos/bcvk/sshutil"
	"github.com/coreos/bcvk/supervisor"
	"github.com/coreos/bcvk/system/exec"
	"github.com/coreos/bcvk/todisk"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/bcvk", "ephemeral")

// PodmanRunner launches installer and ephemeral VMs as podman
// containers.
type PodmanRunner struct {
	// Entrypoint is the path of the bcvk binary to bind mount and run
	// inside the container; empty resolves to our own executable.
	Entrypoint string
}

// RunDetached implements todisk.Runner.
func (r *PodmanRunner) RunDetached(spec *todisk.VMSpec) (string, error) {
	args := []string{"run", "--rm", "--detach",
		"--privileged", "--pid=host",
		"--device", "/dev/kvm",
	}
	entrypoint := r.Entrypoint
	if entrypoint == "" {
		self, err := os.Executable()
		if err != nil {
			return "", errors.Wrap(err, "locating own executable")
		}
		entrypoint = self
	}
	args = append(args, "-v", entrypoint+":"+supervisor.ContainerStateDir+"/entrypoint:ro")
	for _, label := range spec.Labels {
		args = append(args, "--label", label)
	}
	for _, disk := range spec.MountDiskFiles {
		// path:serial:format; the disk file must be visible in the
		// container for QEMU to open it.
		path, _, ok := strings.Cut(disk, ":")
		if !ok {
			return "", errors.Errorf("invalid disk attachment %q", disk)
		}
		args = append(args, "-v", path+":"+path)
	}

	entry := []string{supervisor.ContainerStateDir + "/entrypoint", "container-entrypoint"}
	if spec.Memory != "" {
		entry = append(entry, "--memory", spec.Memory)
	}
	if spec.VCPUs != 0 {
		entry = append(entry, "--vcpus", fmt.Sprintf("%d", spec.VCPUs))
	}
	if spec.BindStorageRO {
		entry = append(entry, "--bind-storage-ro")
	}
	if spec.SSHKeygen {
		entry = append(entry, "--ssh-keygen")
	}
	if spec.AddSwapBytes != 0 {
		entry = append(entry, "--add-swap", fmt.Sprintf("%d", spec.AddSwapBytes))
	}
	for _, disk := range spec.MountDiskFiles {
		entry = append(entry, "--mount-disk-file", disk)
	}
	if spec.ConfigDrive != "" {
		args = append(args, "-v", spec.ConfigDrive+":"+spec.ConfigDrive+":ro")
		entry = append(entry, "--config-drive", spec.ConfigDrive)
	}

	args = append(args, spec.Image)
	args = append(args, entry...)

	plog.Debugf("podman %v", args)
	out, err := exec.Command("podman", args...).Output()
	if err != nil {
		return "", errors.Wrap(err, "launching VM-host container")
	}
	containerID := strings.TrimSpace(string(out))
	if containerID == "" {
		return "", errors.New("podman returned no container id")
	}
	return containerID, nil
}

// Remove implements todisk.Runner.
func (r *PodmanRunner) Remove(id string) error {
	if out, err := exec.Command("podman", "rm", "-f", id).CombinedOutput(); err != nil {
		return errors.Errorf("podman rm -f %s: %s", id, out)
	}
	return nil
}

// RunSSH launches an ephemeral VM, waits for SSH readiness, runs the
// given command (or an interactive shell), tears the container down,
// and returns the remote exit code.
func RunSSH(runner *PodmanRunner, spec *todisk.VMSpec, sshArgs []string, progress supervisor.Progress) (int, error) {
	spec.SSHKeygen = true
	plog.Debugf("starting ephemeral VM")
	containerID, err := runner.RunDetached(spec)
	if err != nil {
		return -1, err
	}
	defer func() {
		plog.Debugf("SSH session ended, cleaning up ephemeral pod")
		if err := runner.Remove(containerID); err != nil {
			plog.Warningf("%v", err)
		}
	}()
	plog.Debugf("ephemeral VM started with container ID: %s", containerID)

	if progress == nil {
		progress = supervisor.NopProgress{}
	}
	if err := supervisor.WaitForSSHReady(containerID, 0, progress, func() (bool, error) {
		return sshutil.ProbeContainer(containerID)
	}); err != nil {
		return -1, err
	}

	plog.Debugf("connecting to SSH with args: %v", sshArgs)
	opts := sshutil.DefaultConnectionOptions()
	return sshutil.ConnectViaContainer(containerID, sshArgs, &opts)
}
