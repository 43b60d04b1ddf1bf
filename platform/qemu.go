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
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/pkg/errors"

	"github.com/coreos/bcvk/system"
	"github.com/coreos/bcvk/system/exec"
	"github.com/coreos/bcvk/util"
)

// QemuBuilder is a configurator that can then create a qemu instance.
type QemuBuilder struct {
	// MemoryMiB is guest RAM; validated to [128MiB, 1TiB].
	MemoryMiB uint32
	// Processors is the vCPU count; validated to [1, 256].
	Processors uint32
	// Pdeathsig terminates the children if this process exits.
	Pdeathsig bool
	// Display selects headless or stdio console operation.
	Display DisplayMode

	// Direct kernel boot. The root filesystem arrives via the primary
	// virtiofs share with tag "rootfs".
	Kernel     string
	Initramfs  string
	KernelArgs []string

	// rootfs is the primary share; additional shares carry
	// caller-chosen tags.
	rootfs           *VirtiofsShare
	additionalShares []*VirtiofsShare

	disks              []Disk
	usermodeNetworking bool
	hostForwardPorts   []HostForwardPort
	smbiosCredentials  []string

	// notifyTarget, if set, receives raw systemd notification payloads
	// (one line each) relayed from the guest's vsock notify socket.
	notifyTarget *os.File

	serialOuts []virtioSerialOut

	// fds is file descriptors we own to pass to qemu.
	fds []*os.File
	// rawFds marks fds referenced by child descriptor number rather
	// than through an fdset (e.g. vhostfd=).
	rawFds map[int]bool

	argv    []string
	tempdir string
}

type virtioSerialOut struct {
	name string
	path string
}

// NewQemuBuilder creates a new builder with default settings.
func NewQemuBuilder() *QemuBuilder {
	return &QemuBuilder{
		Processors: 1,
		Pdeathsig:  true,
	}
}

func (builder *QemuBuilder) ensureTempdir() error {
	if builder.tempdir != "" {
		return nil
	}
	tempdir, err := os.MkdirTemp("/var/tmp", "bcvk-qemu")
	if err != nil {
		return err
	}
	builder.tempdir = tempdir
	return nil
}

// AddFd appends a file descriptor that will be passed to qemu,
// returning a "/dev/fdset/<num>" argument that one can use with e.g.
// -chardev file,path=/dev/fdset/<num>.
func (builder *QemuBuilder) AddFd(fd *os.File) string {
	set := len(builder.fds) + 1
	builder.fds = append(builder.fds, fd)
	return fmt.Sprintf("/dev/fdset/%d", set)
}

// AddRawFd passes a file descriptor to qemu and returns the descriptor
// number it will have in the child, for arguments like vhostfd= that
// take a number instead of an fdset path.
func (builder *QemuBuilder) AddRawFd(fd *os.File) int {
	if builder.rawFds == nil {
		builder.rawFds = make(map[int]bool)
	}
	idx := len(builder.fds)
	builder.rawFds[idx] = true
	builder.fds = append(builder.fds, fd)
	return 3 + idx
}

// Append appends additional arguments for QEMU.
func (builder *QemuBuilder) Append(args ...string) {
	builder.argv = append(builder.argv, args...)
}

// SetRootfs configures the primary virtiofs share exporting the
// extracted container root under the "rootfs" tag.
func (builder *QemuBuilder) SetRootfs(source string) {
	builder.rootfs = &VirtiofsShare{Source: source, Tag: RootfsTag, Readonly: true}
}

// AddVirtiofs exports an additional host directory to the guest.
func (builder *QemuBuilder) AddVirtiofs(share VirtiofsShare) {
	builder.additionalShares = append(builder.additionalShares, &share)
}

// AddDisk attaches a virtio-blk device by host path.
func (builder *QemuBuilder) AddDisk(disk Disk) {
	builder.disks = append(builder.disks, disk)
}

// EnableUsermodeNetworking configures user-mode NAT with the given
// host-port-forward rules. This is the only supported network mode.
func (builder *QemuBuilder) EnableUsermodeNetworking(ports []HostForwardPort) {
	builder.usermodeNetworking = true
	builder.hostForwardPorts = ports
}

// AddSmbiosCredential injects a firmware credential via an SMBIOS
// type-11 record.
func (builder *QemuBuilder) AddSmbiosCredential(cred string) {
	builder.smbiosCredentials = append(builder.smbiosCredentials, cred)
}

// EnableSystemdNotify arranges for the guest's systemd readiness
// notifications to be copied to target, one raw payload per line. The
// vsock listener is bound before the corresponding firmware credential
// is generated so the advertised port is correct. If no vsock CID can
// be allocated the feature is silently disabled.
func (builder *QemuBuilder) EnableSystemdNotify(target *os.File) {
	builder.notifyTarget = target
}

// VirtioChannelOut allocates a virtio-serial output port writing to the
// given host path via a passed-in descriptor. The guest sees it as
// /dev/virtio-ports/<name>.
func (builder *QemuBuilder) VirtioChannelOut(name string, w *os.File) {
	builder.serialOuts = append(builder.serialOuts, virtioSerialOut{name: name, path: builder.AddFd(w)})
}

// validate checks the configuration before any process is spawned.
func (builder *QemuBuilder) validate() error {
	if builder.MemoryMiB < MinMemoryMiB {
		return errors.Errorf("memory too low: %dMB (minimum %dMB)", builder.MemoryMiB, MinMemoryMiB)
	}
	if builder.MemoryMiB > MaxMemoryMiB {
		return errors.Errorf("memory too high: %dMB (maximum 1TB)", builder.MemoryMiB)
	}
	if builder.Processors == 0 {
		return errors.New("vCPU count must be at least 1")
	}
	if builder.Processors > MaxVCPUs {
		return errors.Errorf("vCPU count too high: %d (maximum %d)", builder.Processors, MaxVCPUs)
	}
	for _, share := range builder.allShares() {
		if share.Tag == "" {
			return errors.New("virtiofs mount tag cannot be empty")
		}
		if share.socketPath != "" {
			dir := filepath.Dir(share.socketPath)
			if _, err := os.Stat(dir); err != nil {
				return errors.Errorf("virtiofs socket directory does not exist: %s", dir)
			}
		}
	}
	return nil
}

func (builder *QemuBuilder) allShares() []*VirtiofsShare {
	var shares []*VirtiofsShare
	if builder.rootfs != nil {
		shares = append(shares, builder.rootfs)
	}
	return append(shares, builder.additionalShares...)
}

// qemuBinary locates the qemu to execute for the host architecture.
func qemuBinary() (string, error) {
	if env := os.Getenv("QEMU_BIN"); env != "" {
		return env, nil
	}
	// RHEL ships only the KVM build in libexec.
	const libexecQemu = "/usr/libexec/qemu-kvm"
	if _, err := os.Stat(libexecQemu); err == nil {
		return libexecQemu, nil
	}
	switch system.RpmArch() {
	case "x86_64":
		return "qemu-system-x86_64", nil
	case "aarch64":
		return "qemu-system-aarch64", nil
	default:
		return "", errors.Errorf("unsupported architecture %s", system.RpmArch())
	}
}

func (builder *QemuBuilder) setupNetworking() error {
	netdev := "user,id=net0"
	for i := range builder.hostForwardPorts {
		fwd := &builder.hostForwardPorts[i]
		if fwd.HostPort == 0 {
			// Possible race between picking the port here and qemu
			// binding it; trade-off for simpler port management.
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			fwd.HostPort = l.Addr().(*net.TCPAddr).Port
			l.Close()
		}
		netdev += fmt.Sprintf(",hostfwd=tcp::%d-:%d", fwd.HostPort, fwd.GuestPort)
	}
	builder.Append("-netdev", netdev, "-device", "virtio-net-pci,netdev=net0")
	return nil
}

// SSHAddress returns the host-side address forwarded to the guest SSH
// port, once networking is configured.
func (builder *QemuBuilder) SSHAddress() (string, error) {
	for _, fwd := range builder.hostForwardPorts {
		if fwd.Service == "ssh" {
			return fmt.Sprintf("127.0.0.1:%d", fwd.HostPort), nil
		}
	}
	return "", errors.New("no ssh port forward configured")
}

// Exec validates the configuration, starts the filesystem daemons,
// binds the notify socket, and spawns QEMU.
//
// Ordering: every virtiofsd socket must be ready before QEMU starts,
// and the vsock listener must be listening before its credential is
// rendered.
func (builder *QemuBuilder) Exec() (*QemuInstance, error) {
	if err := builder.validate(); err != nil {
		return nil, err
	}
	if err := builder.ensureTempdir(); err != nil {
		return nil, err
	}

	inst := &QemuInstance{tempdir: builder.tempdir}
	builder.tempdir = "" // ownership moves to the instance
	cleanupInst := true
	defer func() {
		if cleanupInst {
			inst.Destroy()
		}
	}()

	// Spawn one virtiofsd per share and wait for all of the sockets.
	for i, share := range builder.allShares() {
		share.socketPath = filepath.Join(inst.tempdir, fmt.Sprintf("virtiofs-%d.sock", i))
		daemon, err := startVirtiofsd(share)
		if err != nil {
			return nil, err
		}
		inst.virtiofsd = append(inst.virtiofsd, daemon)
	}
	for _, daemon := range inst.virtiofsd {
		if err := daemon.waitForSocket(virtiofsdSocketTimeout); err != nil {
			return nil, err
		}
	}

	var extraCreds []string
	if builder.notifyTarget != nil {
		vsock, err := newVsockNotifier(builder.notifyTarget)
		if err != nil {
			// Treated as a feature flag: without a CID the notify
			// socket is unavailable but the VM still boots.
			plog.Debugf("disabling systemd notify socket: %v", err)
		} else {
			inst.vsock = vsock
			extraCreds = append(extraCreds, vsock.credential())
		}
	}

	argv, err := builder.renderArgv(inst, extraCreds)
	if err != nil {
		return nil, err
	}

	qemuCmd := exec.Command(argv[0], argv[1:]...)
	qemuCmd.Stderr = os.Stderr
	if builder.Pdeathsig {
		qemuCmd.SysProcAttr = &syscall.SysProcAttr{
			Pdeathsig: syscall.SIGTERM,
		}
	}
	qemuCmd.ExtraFiles = append(qemuCmd.ExtraFiles, builder.fds...)
	if builder.Display == DisplayConsole {
		qemuCmd.Stdin = os.Stdin
		qemuCmd.Stdout = os.Stdout
	}

	if err := qemuCmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to spawn QEMU")
	}
	inst.qemu = qemuCmd
	plog.Debugf("started qemu (%v) with args: %v", qemuCmd.Pid(), argv)

	// Connect the control socket; wait up to 30s to avoid flakes on
	// loaded systems.
	if builder.Display == DisplayNone {
		if err := util.Retry(30, time.Second, func() error {
			mon, err := qmp.NewSocketMonitor("unix", inst.qmpSocketPath, 2*time.Second)
			if err != nil {
				return err
			}
			inst.qmpSocket = mon
			return nil
		}); err != nil {
			return nil, errors.Wrap(err, "establishing qmp connection")
		}
		if err := inst.qmpSocket.Connect(); err != nil {
			return nil, errors.Wrap(err, "connecting to qmp socket")
		}
	}

	inst.hostForwardedPorts = builder.hostForwardPorts
	cleanupInst = false
	return inst, nil
}

// renderArgv produces the full QEMU argv.
func (builder *QemuBuilder) renderArgv(inst *QemuInstance, extraCreds []string) ([]string, error) {
	qemu, err := qemuBinary()
	if err != nil {
		return nil, err
	}

	argv := []string{qemu,
		"-m", fmt.Sprintf("%dM", builder.MemoryMiB),
		"-smp", fmt.Sprintf("%d", builder.Processors),
		"-enable-kvm",
		"-cpu", "host",
		"-audio", "none",
	}
	// virtiofs requires guest memory shareable with the daemon: a
	// memfd-backed object on a single NUMA node.
	argv = append(argv,
		"-object", fmt.Sprintf("memory-backend-memfd,id=mem,share=on,size=%dM", builder.MemoryMiB),
		"-numa", "node,memdev=mem",
	)

	// fdsets; the first extra file lands on fd 3 in the child.
	for i := range builder.fds {
		if builder.rawFds[i] {
			continue
		}
		argv = append(argv, "-add-fd", fmt.Sprintf("fd=%d,set=%d", 3+i, i+1))
	}

	for idx, disk := range builder.disks {
		driveID := fmt.Sprintf("drive%d", idx)
		argv = append(argv,
			"-drive", fmt.Sprintf("file=%s,format=%s,if=none,id=%s", disk.Path, disk.Format, driveID),
			"-device", fmt.Sprintf("virtio-blk-pci,drive=%s,serial=%s", driveID, disk.Serial),
		)
	}

	// Direct kernel boot with the root filesystem on virtiofs.
	if builder.Kernel != "" {
		argv = append(argv, "-kernel", builder.Kernel, "-initrd", builder.Initramfs)
		if builder.rootfs == nil {
			return nil, errors.New("direct boot requires a rootfs share")
		}
		argv = append(argv,
			"-chardev", fmt.Sprintf("socket,id=char0,path=%s", builder.rootfs.socketPath),
			"-device", fmt.Sprintf("vhost-user-fs-pci,queue-size=1024,chardev=char0,tag=%s", RootfsTag),
			"-append", strings.Join(builder.KernelArgs, " "),
		)
	}

	for idx, share := range builder.additionalShares {
		charID := fmt.Sprintf("char%d", idx+1)
		argv = append(argv,
			"-chardev", fmt.Sprintf("socket,id=%s,path=%s", charID, share.socketPath),
			"-device", fmt.Sprintf("vhost-user-fs-pci,queue-size=1024,chardev=%s,tag=%s", charID, share.Tag),
		)
	}

	// virtio-serial controller, always present for console/ports.
	argv = append(argv, "-device", "virtio-serial")
	for idx, out := range builder.serialOuts {
		charID := fmt.Sprintf("serial_char%d", idx)
		argv = append(argv,
			"-chardev", fmt.Sprintf("file,id=%s,path=%s,append=on", charID, out.path),
			"-device", fmt.Sprintf("virtserialport,chardev=%s,name=%s", charID, out.name),
		)
	}

	if builder.usermodeNetworking {
		if err := builder.setupNetworking(); err != nil {
			return nil, err
		}
	}

	argv = append(argv, "-serial", "none", "-nographic", "-display", "none")

	switch builder.Display {
	case DisplayNone:
		// The human monitor is disabled; a QMP control socket is wired
		// instead so the instance can be shut down cleanly.
		inst.qmpSocketPath = filepath.Join(inst.tempdir, "qmp.sock")
		argv = append(argv,
			"-chardev", fmt.Sprintf("socket,id=qemu-qmp,path=%s,server=on,wait=off", inst.qmpSocketPath),
			"-mon", "chardev=qemu-qmp,mode=control",
			"-monitor", "none",
		)
	case DisplayConsole:
		argv = append(argv,
			"-chardev", "stdio,id=console0,mux=on",
			"-device", "virtconsole,chardev=console0",
			"-monitor", "chardev:console0",
		)
	}

	if inst.vsock != nil {
		argv = append(argv, inst.vsock.deviceArgs(builder)...)
	}

	for _, cred := range builder.smbiosCredentials {
		argv = append(argv, "-smbios", fmt.Sprintf("type=11,value=%s", cred))
	}
	for _, cred := range extraCreds {
		argv = append(argv, "-smbios", fmt.Sprintf("type=11,value=%s", cred))
	}

	return append(argv, builder.argv...), nil
}

// Close drops all resources owned by the builder.
func (builder *QemuBuilder) Close() {
	for _, f := range builder.fds {
		f.Close()
	}
	builder.fds = nil
	if builder.tempdir != "" {
		os.RemoveAll(builder.tempdir)
	}
}

// QemuInstance holds an instantiated VM through its lifecycle. It owns
// the QEMU child, the virtiofsd children, and the vsock-copier thread.
type QemuInstance struct {
	qemu               exec.Cmd
	virtiofsd          []*virtiofsdDaemon
	vsock              *vsockNotifier
	tempdir            string
	hostForwardedPorts []HostForwardPort

	qmpSocket     *qmp.SocketMonitor
	qmpSocketPath string
}

// Pid returns the PID of the QEMU process.
func (inst *QemuInstance) Pid() int {
	return inst.qemu.Pid()
}

// Wait for the qemu process to exit.
func (inst *QemuInstance) Wait() error {
	return inst.qemu.Wait()
}

// Kill kills the VM instance.
func (inst *QemuInstance) Kill() error {
	plog.Debugf("killing qemu (%v)", inst.qemu.Pid())
	return inst.qemu.Kill()
}

// SSHAddress returns the host-side address of the forwarded SSH port.
func (inst *QemuInstance) SSHAddress() (string, error) {
	for _, fwd := range inst.hostForwardedPorts {
		if fwd.Service == "ssh" {
			return fmt.Sprintf("127.0.0.1:%d", fwd.HostPort), nil
		}
	}
	return "", errors.New("didn't find an address")
}

// Powerdown asks the guest to shut down cleanly over QMP.
func (inst *QemuInstance) Powerdown() error {
	if inst.qmpSocket == nil {
		return errors.New("no qmp socket for this instance")
	}
	_, err := inst.qmpSocket.Run([]byte(`{"execute": "system_powerdown"}`))
	return errors.Wrap(err, "sending system_powerdown")
}

// Destroy kills the instance and associated sidecar processes. The
// virtiofsd children also carry a parent-death signal, so they cannot
// outlive a crashed caller either.
func (inst *QemuInstance) Destroy() {
	if inst.qmpSocket != nil {
		inst.qmpSocket.Disconnect() //nolint // Ignore errors
		inst.qmpSocket = nil
	}
	if inst.qemu != nil {
		if err := inst.Kill(); err != nil {
			plog.Errorf("error killing qemu instance %v: %v", inst.Pid(), err)
		}
	}
	for _, daemon := range inst.virtiofsd {
		daemon.kill()
	}
	inst.virtiofsd = nil
	if inst.vsock != nil {
		inst.vsock.close()
		inst.vsock = nil
	}
	if inst.tempdir != "" {
		if err := os.RemoveAll(inst.tempdir); err != nil {
			plog.Errorf("error removing tempdir: %v", err)
		}
		inst.tempdir = ""
	}
}
