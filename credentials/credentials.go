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

// Package credentials composes systemd credentials for delivery to the
// guest via SMBIOS type-11 firmware variables. This is the channel for
// all configuration that must be visible before any filesystem is
// mounted: SSH keys, mount units, environment setup, and the vsock
// notification socket. Every function here is pure and deterministic so
// tests can reverse the encoding.
package credentials

import (
	"encoding/base64"
	"fmt"

	"github.com/coreos/go-systemd/v22/unit"
)

// HostStorageMount is where the injected storage-opts unit expects the
// host container storage to be mounted in the guest.
const HostStorageMount = "/run/host-container-storage"

// GuestMountPrefix is where virtiofs tags are mounted when the caller
// does not specify an explicit guest path.
const GuestMountPrefix = "/run/virtiofs-mnt-"

// SMBIOSValue wraps a credential for QEMU's -smbios type=11,value=...
func SMBIOSValue(cred string) string {
	return fmt.Sprintf("type=11,value=%s", cred)
}

// ForRootSSH returns a credential installing pubkey as the root user's
// authorized key, delivered as a tmpfiles.extra blob. Preferred over
// kernel command-line delivery since it stays out of boot logs.
func ForRootSSH(pubkey string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(KeyToRootTmpfilesD(pubkey)))
	return fmt.Sprintf("io.systemd.credential.binary:tmpfiles.extra=%s", encoded)
}

// KeyToRootTmpfilesD converts an SSH public key to a tmpfiles.d
// configuration creating /root/.ssh (0750) and appending the Base64
// encoded key to /root/.ssh/authorized_keys.
func KeyToRootTmpfilesD(pubkey string) string {
	buf := base64.StdEncoding.EncodeToString([]byte(pubkey))
	return fmt.Sprintf("d /root/.ssh 0750 - - -\nf+~ /root/.ssh/authorized_keys 700 - - - %s\n", buf)
}

// ForVsockNotify returns the credential pointing systemd's notification
// socket at the host's vsock listener.
func ForVsockNotify(hostCID, port uint32) string {
	return fmt.Sprintf("io.systemd.credential:vmm.notify_socket=vsock-stream:%d:%d", hostCID, port)
}

// ForExtraUnit returns credentials injecting an arbitrary systemd unit
// plus a drop-in on target that Wants= it. This is the generic carrier
// for mount units, the storage-opts unit, and similar boot-time setup.
func ForExtraUnit(unitName, unitBody, target, dropinTag string) []string {
	encodedUnit := base64.StdEncoding.EncodeToString([]byte(unitBody))
	unitCred := fmt.Sprintf("io.systemd.credential.binary:systemd.extra-unit.%s=%s", unitName, encodedUnit)

	dropin := fmt.Sprintf("[Unit]\nWants=%s\n", unitName)
	encodedDropin := base64.StdEncoding.EncodeToString([]byte(dropin))
	dropinCred := fmt.Sprintf("io.systemd.credential.binary:systemd.unit-dropin.%s~%s=%s", target, dropinTag, encodedDropin)

	return []string{unitCred, dropinCred}
}

// GuestPathToUnitName converts a guest mount path to the systemd mount
// unit name: leading slash stripped, dashes in each path component
// escaped as \x2d, components joined with dashes, ".mount" appended.
//
//	/mnt/data    -> mnt-data.mount
//	/mnt/test-rw -> mnt-test\x2drw.mount
func GuestPathToUnitName(guestPath string) string {
	return unit.UnitNamePathEscape(guestPath) + ".mount"
}

// GenerateMountUnit renders a systemd mount unit for a virtiofs tag.
// DefaultDependencies=no avoids ordering cycles during early boot; the
// unit is skipped inside the initrd.
func GenerateMountUnit(virtiofsTag, guestPath string, readonly bool) string {
	options := "Options=rw"
	if readonly {
		options = "Options=ro"
	}
	return fmt.Sprintf(`[Unit]
Description=Mount virtiofs tag %[1]s at %[2]s
ConditionPathExists=!/etc/initrd-release
DefaultDependencies=no
Conflicts=umount.target
Before=local-fs.target umount.target
After=systemd-remount-fs.service

[Mount]
What=%[1]s
Where=%[2]s
Type=virtiofs
%[3]s
`, virtiofsTag, guestPath, options)
}

// ForMountUnit returns the credentials mounting a virtiofs tag at
// guestPath: the mount unit itself plus a local-fs.target drop-in.
func ForMountUnit(virtiofsTag, guestPath string, readonly bool) []string {
	unitName := GuestPathToUnitName(guestPath)
	body := GenerateMountUnit(virtiofsTag, guestPath, readonly)
	return ForExtraUnit(unitName, body, "local-fs.target", "bcvk-mounts")
}

// storageOptsUnit appends STORAGE_OPTS to /etc/environment when absent,
// so PAM sessions (including SSH logins) see the additional image store.
const storageOptsUnit = `[Unit]
Description=Setup STORAGE_OPTS for bcvk
DefaultDependencies=no
Before=systemd-user-sessions.service

[Service]
Type=oneshot
ExecStart=/bin/sh -c 'grep -q STORAGE_OPTS /etc/environment || echo STORAGE_OPTS=additionalimagestore=` + HostStorageMount + ` >> /etc/environment'
RemainAfterExit=yes
`

// ForStorageOpts returns credentials configuring STORAGE_OPTS in the
// guest, pulled in via a drop-in on sysinit.target.
func ForStorageOpts() []string {
	return ForExtraUnit("bcvk-storage-opts.service", storageOptsUnit, "sysinit.target", "bcvk-storage")
}

// ForSwap returns credentials for a one-shot unit creating and enabling
// a swap file of the given size in bytes. Installer VMs use this to
// tolerate large image decompression.
func ForSwap(sizeBytes uint64) []string {
	body := fmt.Sprintf(`[Unit]
Description=Allocate swap for bcvk installation
DefaultDependencies=no
After=systemd-remount-fs.service

[Service]
Type=oneshot
ExecStart=/bin/sh -c 'dd if=/dev/zero of=/var/tmp/bcvk-swap bs=1M count=%d && chmod 600 /var/tmp/bcvk-swap && mkswap /var/tmp/bcvk-swap && swapon /var/tmp/bcvk-swap'
RemainAfterExit=yes
`, sizeBytes/(1024*1024))
	return ForExtraUnit("bcvk-swap.service", body, "sysinit.target", "bcvk-swap")
}
