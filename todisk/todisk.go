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

// Package todisk installs bootc images onto disk files by driving a
// disposable VM whose job is to run `bootc install to-disk` against an
// attached block device.
//
// The installation environment is the source image itself, so the
// installer always runs in a matching userspace. The host's container
// storage is mounted read-only into the VM, so no image re-pull occurs.
// Generated disks carry cache metadata (see cachemeta) so a repeated
// installation with identical inputs is a fast no-op.
package todisk

import (
	"fmt"
	"os"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/coreos/bcvk/cachemeta"
	"github.com/coreos/bcvk/images"
	"github.com/coreos/bcvk/install"
	"github.com/coreos/bcvk/platform"
	"github.com/coreos/bcvk/sshutil"
	"github.com/coreos/bcvk/supervisor"
	"github.com/coreos/bcvk/system/exec"
	"github.com/coreos/bcvk/util"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/bcvk", "todisk")

// minDiskSize is the floor for computed target disk sizes.
const minDiskSize = 4 * 1024 * 1024 * 1024

// VMSpec describes the disposable installer VM to the container-host
// execution helper, which is an external collaborator referenced only
// through the Runner interface.
type VMSpec struct {
	// Image is both the VM image and the installation source.
	Image string
	// Memory is a human readable RAM size.
	Memory string
	// VCPUs is the vCPU count; zero means the runner's default.
	VCPUs uint32
	// BindStorageRO mounts the host container storage read-only at
	// the hoststorage virtiofs tag.
	BindStorageRO bool
	// MountDiskFiles attaches host disk files as virtio-blk devices,
	// "path:serial:format" per entry.
	MountDiskFiles []string
	// SSHKeygen injects a generated SSH key via firmware credentials.
	SSHKeygen bool
	// AddSwapBytes provisions a swap file of this size in the guest.
	AddSwapBytes uint64
	// ConfigDrive is a host path of a cloud-init ConfigDrive image to
	// attach, or empty.
	ConfigDrive string
	// Labels are operator labels on the VM-host container.
	Labels []string
}

// Runner launches and disposes installer VMs.
type Runner interface {
	// RunDetached starts the VM in the background and returns the
	// VM-host container identifier.
	RunDetached(spec *VMSpec) (string, error)
	// Remove force-removes the VM-host container.
	Remove(id string) error
}

// Options for installing an image to a disk file.
type Options struct {
	// SourceImage is the container image to install.
	SourceImage string
	// TargetDisk is the output disk file path.
	TargetDisk string
	// Install options influence the generated disk bytes.
	Install install.Options
	// DiskSize overrides the computed output size ("10G", plain bytes).
	DiskSize string
	// Format of the created disk file.
	Format platform.DiskFormat
	// Memory for the installer VM.
	Memory string
	// VCPUs for the installer VM.
	VCPUs uint32
	// Labels to add to the VM-host container.
	Labels []string
	// Progress receives boot progress updates.
	Progress supervisor.Progress
}

// calculateDiskSize returns the explicit size when given, otherwise
// max(2 x image size, 4 GiB) to leave room for installation.
func calculateDiskSize(explicit string, imageSize uint64) (uint64, error) {
	if explicit != "" {
		parsed, err := util.ParseSize(explicit)
		if err != nil {
			return 0, err
		}
		plog.Debugf("using explicit disk size: %s -> %d bytes", explicit, parsed)
		return parsed, nil
	}
	size := imageSize * 2
	if size < minDiskSize {
		size = minDiskSize
	}
	plog.Debugf("calculated disk size: %d bytes (image size %d)", size, imageSize)
	return size, nil
}

// installScript is the fixed script run in the installer VM. Temporary
// filesystems keep the image unpack off the (small) VM rootfs, and
// STORAGE_OPTS points bootc at the read-only host store.
const installScript = `set -euo pipefail

echo "Setting up temporary filesystems..."
mount -t tmpfs tmpfs /var/lib/containers
mount -t tmpfs tmpfs /var/tmp

echo "Starting bootc installation..."
env STORAGE_OPTS=additionalimagestore=/run/virtiofs-mnt-hoststorage/ \
    bootc install to-disk \
    --generic-image \
    --skip-fetch-check \
    --source-imgref %s \
    %s \
    /dev/disk/by-id/virtio-output

echo "Installation completed successfully!"
`

// generateInstallCommand renders the remote installation command. All
// injected values pass through shell quoting.
func generateInstallCommand(sourceImage string, opts *install.Options) []string {
	sourceImgref := sshutil.ShellEscapeCommand([]string{"containers-storage:" + sourceImage})
	bootcArgs := sshutil.ShellEscapeCommand(opts.BootcArgs())
	script := fmt.Sprintf(installScript, sourceImgref, bootcArgs)
	return []string{"/bin/bash", "-c", script}
}

// createDiskFile creates the target as a sparse raw file or a qcow2
// via qemu-img.
func createDiskFile(path string, format platform.DiskFormat, size uint64) error {
	switch format {
	case platform.FormatRaw, "":
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "opening %s", path)
		}
		defer f.Close()
		if err := f.Truncate(int64(size)); err != nil {
			return errors.Wrapf(err, "sizing %s", path)
		}
		return nil
	case platform.FormatQcow2:
		plog.Debugf("creating qcow2 with size %d bytes", size)
		out, err := exec.Command("qemu-img", "create", "-f", "qcow2",
			path, fmt.Sprintf("%d", size)).CombinedOutput()
		if err != nil {
			return errors.Errorf("qemu-img create failed: %s", out)
		}
		return nil
	default:
		return errors.Errorf("unknown disk format %q", format)
	}
}

// Run installs opts.SourceImage to opts.TargetDisk through runner.
// On a cache hit it returns immediately; on any installation failure
// the output file is removed before the error is surfaced so callers
// never observe a half-installed disk.
func Run(runner Runner, opts *Options) error {
	// Resolve the digest first: it is both a cache key input and the
	// recorded provenance of the disk.
	inspect, err := images.InspectImage(opts.SourceImage)
	if err != nil {
		return err
	}
	imageDigest := inspect.Digest.String()

	if _, err := os.Stat(opts.TargetDisk); err == nil {
		plog.Debugf("target disk %s already exists, checking cache metadata", opts.TargetDisk)
		v, err := cachemeta.Check(opts.TargetDisk, imageDigest, &opts.Install)
		if err != nil {
			return err
		}
		if v == cachemeta.Match {
			fmt.Printf("Reusing existing cached disk image (digest %s) at: %s\n", imageDigest, opts.TargetDisk)
			return nil
		}
		plog.Debugf("existing disk does not match requirements (%s), recreating", v)
		if err := os.Remove(opts.TargetDisk); err != nil {
			return errors.Wrapf(err, "failed to remove existing disk %s", opts.TargetDisk)
		}
	}

	diskSize, err := calculateDiskSize(opts.DiskSize, inspect.Size)
	if err != nil {
		return err
	}
	if err := createDiskFile(opts.TargetDisk, opts.Format, diskSize); err != nil {
		return err
	}

	format := opts.Format
	if format == "" {
		format = platform.FormatRaw
	}
	spec := &VMSpec{
		Image:         opts.SourceImage,
		Memory:        opts.Memory,
		VCPUs:         opts.VCPUs,
		BindStorageRO: true,
		MountDiskFiles: []string{
			fmt.Sprintf("%s:%s:%s", opts.TargetDisk, platform.OutputDiskSerial, format),
		},
		SSHKeygen: true,
		// Image decompression can need a whole layer in memory; swap
		// sized to the disk absorbs that.
		AddSwapBytes: diskSize,
		Labels:       opts.Labels,
	}

	err = runInstaller(runner, spec, opts)
	if err != nil {
		// Partial-install cleanup is local recovery; the underlying
		// error still propagates.
		if rmErr := os.Remove(opts.TargetDisk); rmErr != nil && !os.IsNotExist(rmErr) {
			plog.Warningf("removing partial disk %s: %v", opts.TargetDisk, rmErr)
		}
		return err
	}

	// Only a successfully installed disk may carry the cache hash; a
	// failure after this point must delete the file.
	if err := cachemeta.WritePath(opts.TargetDisk, imageDigest, &opts.Install); err != nil {
		if rmErr := os.Remove(opts.TargetDisk); rmErr != nil && !os.IsNotExist(rmErr) {
			plog.Warningf("removing disk with partial metadata %s: %v", opts.TargetDisk, rmErr)
		}
		return err
	}
	return nil
}

// runInstaller boots the installer VM, waits for SSH, and executes the
// installation script.
func runInstaller(runner Runner, spec *VMSpec, opts *Options) error {
	plog.Debugf("starting ephemeral installer VM")
	containerID, err := runner.RunDetached(spec)
	if err != nil {
		return err
	}
	defer func() {
		plog.Debugf("cleaning up ephemeral container %s", containerID)
		if err := runner.Remove(containerID); err != nil {
			plog.Warningf("removing container %s: %v", containerID, err)
		}
	}()

	progress := opts.Progress
	if progress == nil {
		progress = supervisor.NopProgress{}
	}
	if err := supervisor.WaitForSSHReady(containerID, 4*time.Minute, progress, func() (bool, error) {
		return sshutil.ProbeContainer(containerID)
	}); err != nil {
		return err
	}

	command := generateInstallCommand(opts.SourceImage, &opts.Install)
	plog.Debugf("executing installation via SSH: %v", command)
	sshOpts := sshutil.DefaultConnectionOptions()
	// A TTY improves install progress rendering but breaks output
	// capture when stdout is a pipe.
	sshOpts.AllocateTTY = term.IsTerminal(int(os.Stdout.Fd()))
	code, err := sshutil.ConnectViaContainer(containerID, command, &sshOpts)
	if err != nil {
		return err
	}
	if code != 0 {
		return errors.Errorf("SSH installation command failed with exit code: %d", code)
	}
	return nil
}
