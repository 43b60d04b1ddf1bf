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

package ephemeral

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk/cloudinit"
	"github.com/coreos/bcvk/credentials"
	"github.com/coreos/bcvk/platform"
	"github.com/coreos/bcvk/sshutil"
	"github.com/coreos/bcvk/supervisor"
	"github.com/coreos/bcvk/system"
	"github.com/coreos/bcvk/util"
)

// EntrypointOpts configure the VM launched inside a VM-host container.
// This runs as PID-adjacent supervisor in the container: it boots the
// container's own image as a VM over virtiofs and maintains the status
// file consumed by the readiness monitor.
type EntrypointOpts struct {
	// RootDir is the extracted image root exported as the rootfs tag.
	RootDir string
	// Memory is a human readable RAM size.
	Memory string
	// VCPUs; zero picks the host processor count (capped).
	VCPUs uint32
	// BindStorageRO exports the host container storage read-only.
	BindStorageRO bool
	// SSHKeygen generates a keypair and injects the public key.
	SSHKeygen bool
	// AddSwapBytes provisions guest swap via a credential unit.
	AddSwapBytes uint64
	// MountDiskFiles attach disks, "path:serial:format" per entry.
	MountDiskFiles []string
	// ConfigDrive is an optional pre-built ConfigDrive image path.
	ConfigDrive string
	// Console multiplexes the VM console on stdio.
	Console bool
}

// notifyStreamPath receives raw systemd notification payloads.
const notifyStreamPath = "/run/sd-notify.stream"

// sshForwardPort is the in-container port forwarded to guest SSH.
const sshForwardPort = 2222

// findKernel locates the kernel and initramfs in a bootc image root:
// /usr/lib/modules/<version>/{vmlinuz,initramfs.img}.
func findKernel(rootDir string) (kernel, initramfs string, err error) {
	modulesDir := filepath.Join(rootDir, "usr/lib/modules")
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		return "", "", errors.Wrapf(err, "reading %s", modulesDir)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		kernel = filepath.Join(modulesDir, entry.Name(), "vmlinuz")
		initramfs = filepath.Join(modulesDir, entry.Name(), "initramfs.img")
		if _, err := os.Stat(kernel); err != nil {
			continue
		}
		if _, err := os.Stat(initramfs); err != nil {
			continue
		}
		return kernel, initramfs, nil
	}
	return "", "", errors.Errorf("no kernel/initramfs found under %s; not a bootc image?", modulesDir)
}

// defaultVCPUs caps the guest at the host processor count; there is no
// benefit to exceeding 16 for an installer or test VM.
func defaultVCPUs() uint32 {
	nproc := system.GetProcessors()
	if nproc > 16 {
		nproc = 16
	}
	return uint32(nproc)
}

// RunEntrypoint launches and supervises the VM described by opts. It
// blocks until QEMU exits and returns its exit disposition.
func RunEntrypoint(opts *EntrypointOpts) error {
	memoryMB, err := util.ParseMemoryToMB(opts.Memory)
	if err != nil {
		return err
	}
	vcpus := opts.VCPUs
	if vcpus == 0 {
		vcpus = defaultVCPUs()
	}
	rootDir := opts.RootDir
	if rootDir == "" {
		rootDir = "/run/source-image"
	}

	kernel, initramfs, err := findKernel(rootDir)
	if err != nil {
		return err
	}

	builder := platform.NewQemuBuilder()
	defer builder.Close()
	builder.MemoryMiB = memoryMB
	builder.Processors = vcpus
	builder.Kernel = kernel
	builder.Initramfs = initramfs
	builder.SetRootfs(rootDir)
	if opts.Console {
		builder.Display = platform.DisplayConsole
	}

	kargs := []string{
		"root=" + platform.RootfsTag,
		"rootfstype=virtiofs",
		"rw",
		"console=ttyS0",
		"selinux=0",
	}
	kargs = append(kargs, cloudinit.DefaultKernelArgs(opts.ConfigDrive != "")...)
	builder.KernelArgs = kargs

	if opts.BindStorageRO {
		storagePath, err := util.DetectContainerStoragePath()
		if err != nil {
			return err
		}
		builder.AddVirtiofs(platform.VirtiofsShare{
			Source:   storagePath,
			Tag:      platform.HostStorageTag,
			Readonly: true,
		})
		for _, cred := range credentials.ForMountUnit(platform.HostStorageTag,
			credentials.GuestMountPrefix+platform.HostStorageTag, true) {
			builder.AddSmbiosCredential(cred)
		}
		for _, cred := range credentials.ForStorageOpts() {
			builder.AddSmbiosCredential(cred)
		}
	}

	for _, spec := range opts.MountDiskFiles {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return errors.Errorf("invalid disk attachment %q (expected path:serial:format)", spec)
		}
		builder.AddDisk(platform.Disk{
			Path:   parts[0],
			Serial: parts[1],
			Format: platform.DiskFormat(parts[2]),
		})
	}

	if opts.ConfigDrive != "" {
		builder.AddDisk(platform.Disk{
			Path:   opts.ConfigDrive,
			Serial: cloudinit.DiskSerial,
			Format: platform.FormatRaw,
		})
	}

	if opts.SSHKeygen {
		keypair, err := sshutil.GenerateKeyPair(supervisor.ContainerStateDir, "ssh")
		if err != nil {
			return err
		}
		pubkey, err := os.ReadFile(keypair.PublicKeyPath)
		if err != nil {
			return errors.Wrap(err, "reading generated public key")
		}
		builder.AddSmbiosCredential(credentials.ForRootSSH(string(pubkey)))
		builder.EnableUsermodeNetworking([]platform.HostForwardPort{
			{Service: "ssh", HostPort: sshForwardPort, GuestPort: 22},
		})
	} else {
		builder.EnableUsermodeNetworking(nil)
	}

	if opts.AddSwapBytes != 0 {
		for _, cred := range credentials.ForSwap(opts.AddSwapBytes) {
			builder.AddSmbiosCredential(cred)
		}
	}

	// The notify stream feeds the status file; the vsock listener is
	// bound before the credential is rendered inside Exec.
	notifyFile, err := os.OpenFile(notifyStreamPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", notifyStreamPath)
	}
	defer notifyFile.Close()
	builder.EnableSystemdNotify(notifyFile)

	writer := supervisor.NewStatusWriter(supervisor.StatusFile)
	if err := writer.EnsureDir(); err != nil {
		return err
	}
	if err := writer.SetState(supervisor.State{Kind: supervisor.StateWaitingForSystemd}); err != nil {
		return err
	}

	inst, err := builder.Exec()
	if err != nil {
		return err
	}
	defer inst.Destroy()

	go followNotifications(writer)
	if opts.SSHKeygen {
		go probeSSH(writer)
	}

	return inst.Wait()
}

// followNotifications tails the notify stream and publishes state
// transitions. systemd sends READY=1 when the default target is
// reached; X_SYSTEMD_UNIT_ACTIVE= fields carry each target reached
// during boot.
func followNotifications(writer *supervisor.StatusWriter) {
	f, err := os.Open(notifyStreamPath)
	if err != nil {
		plog.Warningf("opening notify stream: %v", err)
		return
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			plog.Warningf("reading notify stream: %v", err)
			return
		}
		for _, field := range strings.Split(strings.TrimSpace(line), "\n") {
			switch {
			case field == "READY=1":
				if err := writer.SetState(supervisor.State{Kind: supervisor.StateReady}); err != nil {
					plog.Warningf("publishing ready state: %v", err)
				}
			case strings.HasPrefix(field, "X_SYSTEMD_UNIT_ACTIVE="):
				target := strings.TrimPrefix(field, "X_SYSTEMD_UNIT_ACTIVE=")
				if err := writer.SetState(supervisor.State{
					Kind:   supervisor.StateReachedTarget,
					Target: target,
				}); err != nil {
					plog.Warningf("publishing target state: %v", err)
				}
			}
		}
	}
}

// probeSSH flips ssh_access once the forwarded endpoint accepts a TCP
// connection, meaning the guest booted past SSH service start.
func probeSSH(writer *supervisor.StatusWriter) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(sshForwardPort))
	for {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			conn.Close()
			if err := writer.SetSSHAccess(); err != nil {
				plog.Warningf("publishing ssh access: %v", err)
			}
			return
		}
		time.Sleep(time.Second)
	}
}
