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
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk/credentials"
	"github.com/coreos/bcvk/images"
	"github.com/coreos/bcvk/install"
	"github.com/coreos/bcvk/sshutil"
	"github.com/coreos/bcvk/todisk"
	"github.com/coreos/bcvk/util"
)

// RunOpts describe a persistent VM to create.
type RunOpts struct {
	// Image is the container image to run as a bootable VM.
	Image string
	// Name for the VM; generated from the image when empty.
	Name string
	// MemoryMB is guest RAM in MiB.
	MemoryMB uint64
	// CPUs is the vCPU count.
	CPUs uint32
	// DiskSize for the VM disk ("20G").
	DiskSize string
	// Install options influence the base disk bytes.
	Install install.Options
	// Network is recorded in the domain metadata only. Whatever its
	// value, the domain gets user-mode networking with the SSH port
	// forward through QEMU arguments and no libvirt interface.
	Network string
	// Volumes are host_path:tag virtiofs mounts.
	Volumes []string
	// BindStorageRO mounts the host container storage read-only.
	BindStorageRO bool
	// Firmware selection.
	Firmware FirmwareType
	// DisableTPM turns off the default TPM 2.0 device.
	DisableTPM bool
	// SecureBootKeys is the key directory for uefi-secure firmware.
	SecureBootKeys string
	// Labels are recorded in domain metadata.
	Labels []string
}

const (
	sshPortRangeStart = 2222
	sshPortRangeEnd   = 3000
)

// findAvailableSSHPort picks a host forwarding port in [2222, 3000) by
// probing binds: 100 random attempts, then a sequential scan.
func findAvailableSSHPort() uint16 {
	tryBind := func(port int) bool {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return false
		}
		l.Close()
		return true
	}
	for i := 0; i < 100; i++ {
		port := sshPortRangeStart + rand.Intn(sshPortRangeEnd-sshPortRangeStart)
		if tryBind(port) {
			return uint16(port)
		}
	}
	for port := sshPortRangeStart; port < sshPortRangeEnd; port++ {
		if tryBind(port) {
			return uint16(port)
		}
	}
	return sshPortRangeStart
}

// parseVolume splits "host_path:tag" and validates the host side.
func parseVolume(volume string) (string, string, error) {
	hostPath, tag, ok := strings.Cut(volume, ":")
	if !ok || hostPath == "" || tag == "" {
		return "", "", errors.Errorf(
			"invalid volume format '%s'. Expected format: host_path:tag", volume)
	}
	st, err := os.Stat(hostPath)
	if err != nil {
		return "", "", errors.Errorf("host path '%s' does not exist", hostPath)
	}
	if !st.IsDir() {
		return "", "", errors.Errorf("host path '%s' is not a directory", hostPath)
	}
	return hostPath, tag, nil
}

// Run creates a persistent VM: find-or-create the shared base disk,
// clone a copy-on-write VM disk, render the domain XML with embedded
// SSH credentials, define, and start.
func (o *Options) Run(runner todisk.Runner, opts *RunOpts) (string, error) {
	existing, err := o.ListAllDomains()
	if err != nil {
		return "", errors.Wrap(err, "failed to list existing domains")
	}

	vmName := opts.Name
	if vmName != "" {
		for _, name := range existing {
			if name == vmName {
				return "", errors.Errorf("VM '%s' already exists", vmName)
			}
		}
	} else {
		vmName = images.UniqueVMName(opts.Image, existing)
	}

	fmt.Printf("Creating libvirt domain '%s' (install source container image: %s)\n", vmName, opts.Image)

	inspect, err := images.InspectImage(opts.Image)
	if err != nil {
		return "", err
	}
	imageDigest := inspect.Digest.String()
	plog.Debugf("image digest: %s", imageDigest)

	baseDisk, err := o.FindOrCreateBaseDisk(runner, opts.Image, imageDigest, &opts.Install)
	if err != nil {
		return "", errors.Wrap(err, "failed to find or create base disk")
	}

	vmDisk, err := o.CloneFromBase(baseDisk, vmName)
	if err != nil {
		return "", errors.Wrapf(err, "failed to clone VM disk for '%s'", vmName)
	}

	if err := o.defineDomain(vmName, vmDisk, imageDigest, opts); err != nil {
		// Don't leave the cloned disk behind on definition failure.
		_, _ = o.Virsh("vol-delete", "--pool", DefaultPool, vmName+".qcow2")
		return "", err
	}

	if _, err := o.Virsh("start", vmName); err != nil {
		return "", errors.Wrapf(err, "failed to start libvirt domain '%s'", vmName)
	}
	return vmName, nil
}

// defineDomain renders and defines the domain XML. SSH metadata is
// written into the XML before the domain is defined, so credentials
// are never attached after the fact.
func (o *Options) defineDomain(vmName, diskPath, imageDigest string, opts *RunOpts) error {
	// Generate the ephemeral keypair; the private key lives only in
	// the domain metadata.
	tempDir, err := os.MkdirTemp("", "bcvk-keygen")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary directory")
	}
	defer os.RemoveAll(tempDir)

	keypair, err := sshutil.GenerateKeyPair(tempDir, "id_rsa")
	if err != nil {
		return err
	}
	privateKey, err := os.ReadFile(keypair.PrivateKeyPath)
	if err != nil {
		return errors.Wrap(err, "failed to read generated private key")
	}
	publicKey, err := os.ReadFile(keypair.PublicKeyPath)
	if err != nil {
		return errors.Wrap(err, "failed to read generated public key")
	}
	privateKeyBase64 := base64.StdEncoding.EncodeToString(privateKey)

	sshPort := findAvailableSSHPort()
	plog.Debugf("allocated SSH port %d for domain '%s'", sshPort, vmName)
	sshCred := credentials.ForRootSSH(string(publicKey))

	filesystem := opts.Install.Filesystem
	if filesystem == "" {
		filesystem = "ext4"
	}

	builder := NewDomainBuilder().
		WithName(vmName).
		WithMemory(opts.MemoryMB).
		WithVcpus(opts.CPUs).
		WithDisk(diskPath).
		// SSH networking arrives via qemu args below.
		WithNetwork("none").
		WithFirmware(opts.Firmware).
		WithTPM(!opts.DisableTPM).
		WithMetadata("source-image", opts.Image).
		WithMetadata("image-digest", imageDigest).
		WithMetadata("memory-mb", strconv.FormatUint(opts.MemoryMB, 10)).
		WithMetadata("vcpus", strconv.FormatUint(uint64(opts.CPUs), 10)).
		WithMetadata("disk-size-gb", opts.DiskSize).
		WithMetadata("filesystem", filesystem).
		WithMetadata("network", opts.Network).
		WithMetadata("ssh-generated", "true").
		WithMetadata("ssh-private-key-base64", privateKeyBase64).
		WithMetadata("ssh-port", strconv.Itoa(int(sshPort)))

	if len(opts.Labels) > 0 {
		builder.WithMetadata("label", strings.Join(opts.Labels, ","))
	}

	if opts.SecureBootKeys != "" {
		if opts.Firmware != FirmwareUefiSecure {
			return errors.New("secure boot keys require --firmware uefi-secure")
		}
		plog.Infof("setting up secure boot configuration from %s", opts.SecureBootKeys)
		sb, err := SetupSecureBoot(opts.SecureBootKeys)
		if err != nil {
			return errors.Wrap(err, "failed to setup secure boot")
		}
		ovmfCode, err := FindOVMFCodeSecboot()
		if err != nil {
			return err
		}
		builder.WithOVMFCode(ovmfCode).
			WithNVRAMTemplate(sb.VarsTemplate).
			WithMetadata("secure-boot-keys", sb.KeyDir)
	}

	for _, volume := range opts.Volumes {
		hostPath, tag, err := parseVolume(volume)
		if err != nil {
			return errors.Wrapf(err, "failed to parse volume mount '%s'", volume)
		}
		plog.Debugf("adding volume mount: %s with tag '%s'", hostPath, tag)
		builder.WithVirtiofsFilesystem(VirtiofsFilesystem{SourceDir: hostPath, Tag: tag})
	}

	if opts.BindStorageRO {
		if err := CheckReadonlyVirtiofsSupport(); err != nil {
			return errors.Wrap(err, "libvirt version compatibility check failed")
		}
		storagePath, err := util.DetectContainerStoragePath()
		if err != nil {
			return errors.Wrap(err, "failed to detect container storage path")
		}
		plog.Debugf("adding container storage from %s as hoststorage virtiofs mount", storagePath)
		builder.WithVirtiofsFilesystem(VirtiofsFilesystem{
			SourceDir: storagePath,
			Tag:       "hoststorage",
			Readonly:  true,
		}).
			WithMetadata("bind-storage-ro", "true").
			WithMetadata("storage-path", storagePath)
		for _, cred := range credentials.ForMountUnit("hoststorage",
			credentials.GuestMountPrefix+"hoststorage", true) {
			builder.WithQemuArgs([]string{"-smbios", credentials.SMBIOSValue(cred)})
		}
	}

	builder.WithQemuArgs([]string{
		"-smbios", fmt.Sprintf("type=11,value=%s", sshCred),
		"-netdev", fmt.Sprintf("user,id=ssh0,hostfwd=tcp::%d-:22", sshPort),
		"-device", "virtio-net-pci,netdev=ssh0,addr=0x3",
	})

	domainXML, err := builder.Build()
	if err != nil {
		return errors.Wrap(err, "failed to build domain XML")
	}

	xmlFile, err := os.CreateTemp("", vmName+"-*.xml")
	if err != nil {
		return errors.Wrap(err, "failed to write domain XML")
	}
	xmlPath := xmlFile.Name()
	defer os.Remove(xmlPath)
	if _, err := xmlFile.WriteString(domainXML); err != nil {
		xmlFile.Close()
		return errors.Wrap(err, "failed to write domain XML")
	}
	xmlFile.Close()

	if _, err := o.Virsh("define", xmlPath); err != nil {
		return errors.Wrap(err, "failed to define libvirt domain")
	}
	return nil
}

