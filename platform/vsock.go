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
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coreos/bcvk/credentials"
)

// vhostVsockDevice is the device used for guest CID allocation.
const vhostVsockDevice = "/dev/vhost-vsock"

// VHOST_VSOCK_SET_GUEST_CID = _IOW(VHOST_VIRTIO, 0x60, __u64)
const vhostVsockSetGuestCID = 0x4008af60

// allocateVsockCID claims a guest context ID on the opened vhost fd by
// probing candidates with the set-guest-cid ioctl; EADDRINUSE means the
// CID belongs to another VM and the next one is tried.
func allocateVsockCID(vhost *os.File) (uint32, error) {
	for candidate := uint32(3); candidate <= 10000; candidate++ {
		cid := uint64(candidate)
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, vhost.Fd(),
			uintptr(vhostVsockSetGuestCID), uintptr(unsafe.Pointer(&cid)))
		switch errno {
		case 0:
			plog.Debugf("allocated vsock CID %d", candidate)
			return candidate, nil
		case unix.EADDRINUSE:
			continue
		default:
			return 0, errors.Wrapf(errno, "allocating vsock CID %d", candidate)
		}
	}
	return 0, errors.New("could not find available vsock CID (tried 3-10000)")
}

// vsockNotifier owns the vhost fd for the guest's vsock device, the
// host-side listening socket, and the copier thread relaying systemd
// notification payloads to the target file.
type vsockNotifier struct {
	vhost    *os.File
	listener int
	port     uint32
	guestCID uint32
	target   *os.File
}

// newVsockNotifier allocates a guest CID, binds a listening vsock
// socket on VMADDR_CID_ANY with a kernel-chosen port, and starts the
// copier thread. The socket is listening before the credential is
// rendered, so the advertised port is always live.
func newVsockNotifier(target *os.File) (*vsockNotifier, error) {
	vhost, err := os.OpenFile(vhostVsockDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s for CID allocation", vhostVsockDevice)
	}
	guestCID, err := allocateVsockCID(vhost)
	if err != nil {
		vhost.Close()
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		vhost.Close()
		return nil, errors.Wrap(err, "creating AF_VSOCK stream socket")
	}
	sa := &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: unix.VMADDR_PORT_ANY}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		vhost.Close()
		return nil, errors.Wrap(err, "binding AF_VSOCK stream socket")
	}
	if err := unix.Listen(fd, 5); err != nil {
		unix.Close(fd)
		vhost.Close()
		return nil, errors.Wrap(err, "listening on AF_VSOCK socket")
	}
	name, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		vhost.Close()
		return nil, errors.Wrap(err, "getting AF_VSOCK socket name")
	}
	port := name.(*unix.SockaddrVM).Port
	plog.Debugf("listening on AF_VSOCK port %d", port)

	n := &vsockNotifier{
		vhost:    vhost,
		listener: fd,
		port:     port,
		guestCID: guestCID,
		target:   target,
	}
	go n.copier()
	return n, nil
}

// copier accepts notification connections and relays each payload (up
// to 4 KiB per accept) to the target file, newline-terminated. It runs
// on a dedicated OS thread since it blocks in accept(2) indefinitely
// and owns both the listening socket and the target exclusively.
func (n *vsockNotifier) copier() {
	runtime.LockOSThread()
	plog.Debugf("AF_VSOCK listener thread started, waiting for systemd notifications")
	buf := make([]byte, 4096)
	for {
		client, _, err := unix.Accept(n.listener)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// The listener was closed by Destroy.
			return
		}
		count, _, err := unix.Recvfrom(client, buf, 0)
		if err == nil && count > 0 {
			data := buf[:count]
			if _, err := n.target.Write(append(data, '\n')); err != nil {
				plog.Warningf("writing systemd notification: %v", err)
			}
			n.target.Sync() //nolint // best effort flush
		}
		unix.Close(client)
	}
}

// credential renders the firmware credential pointing the guest's
// notification socket at our listener. The host side of a guest
// connection is always CID 2.
func (n *vsockNotifier) credential() string {
	return credentials.ForVsockNotify(2, n.port)
}

// deviceArgs returns the QEMU arguments attaching the vhost-vsock
// device. The vhost fd is passed through an extra descriptor.
func (n *vsockNotifier) deviceArgs(builder *QemuBuilder) []string {
	fd := builder.AddRawFd(n.vhost)
	return []string{
		"-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d,vhostfd=%d", n.guestCID, fd),
	}
}

func (n *vsockNotifier) close() {
	unix.Close(n.listener)
	n.vhost.Close()
}
