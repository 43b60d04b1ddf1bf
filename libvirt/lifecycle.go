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
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coreos/bcvk/system/exec"
)

// The lifecycle monitor binds a VM's lifetime to a parent process: it
// is spawned as a detached child, waits for the target process to exit
// (or for SIGTERM/SIGINT), dispatches a shutdown command, and exits.
//
// A pidfd is preferred over a parent-death signal because the parent
// may already have exited by the time we start, and a pidfd can watch
// an arbitrary PID. On kernels without pidfd_open (pre-5.3) or when it
// is not permitted, /proc polling is the fallback.

// ResolveMonitorPID resolves the target of the lifecycle monitor: a
// numeric PID string or the literal "parent".
func ResolveMonitorPID(pidArg string) (int, error) {
	if pidArg == "parent" {
		return os.Getppid(), nil
	}
	pid, err := strconv.Atoi(pidArg)
	if err != nil || pid <= 0 {
		return 0, errors.Errorf("invalid PID: '%s' (expected numeric PID or 'parent')", pidArg)
	}
	return pid, nil
}

// openPidfd opens a process handle, distinguishing "unsupported" from
// other failures so the caller can fall back.
func openPidfd(pid int) (int, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	switch err {
	case nil:
		return fd, nil
	case unix.ENOSYS:
		return -1, errors.New("pidfd_open not supported (ENOSYS)")
	case unix.EPERM:
		return -1, errors.New("pidfd_open permission denied (EPERM)")
	default:
		return -1, errors.Wrap(err, "pidfd_open failed")
	}
}

// waitForPidfd blocks in poll(2) until the pidfd signals process exit.
// EINTR means retry.
func waitForPidfd(fd int) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			plog.Debugf("poll on pidfd failed: %v", err)
			return
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			plog.Debugf("pidfd became readable - parent process exited")
			return
		}
	}
}

// waitForProcExit polls /proc/<pid> existence every second.
func waitForProcExit(pid int) {
	path := "/proc/" + strconv.Itoa(pid)
	for {
		if _, err := os.Stat(path); err != nil {
			plog.Debugf("process %d no longer exists in /proc", pid)
			return
		}
		time.Sleep(time.Second)
	}
}

// RunLifecycleMonitor waits for the target process to exit or for a
// termination signal, dispatches command without waiting for it to
// complete, and exits the process immediately (the pidfd poll may
// still be holding a thread).
func RunLifecycleMonitor(pidArg string, command []string) error {
	if len(command) == 0 {
		return errors.New("no command specified")
	}
	pid, err := ResolveMonitorPID(pidArg)
	if err != nil {
		return err
	}
	plog.Debugf("starting lifecycle monitor for PID %d (command: %v)", pid, command)

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if fd, err := openPidfd(pid); err == nil {
			defer unix.Close(fd)
			plog.Debugf("using pidfd for parent process monitoring")
			waitForPidfd(fd)
		} else {
			plog.Debugf("pidfd_open failed (%v), falling back to /proc polling", err)
			waitForProcExit(pid)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-exited:
		plog.Debugf("parent process %d exited", pid)
	case sig := <-sigs:
		plog.Debugf("%v received", sig)
	}

	plog.Debugf("shutdown trigger received, executing command: %v", command)
	// We care only that the shutdown was dispatched, not that it
	// finished; the VM decides whether to honor it.
	cmd := exec.Command(command[0], command[1:]...)
	if err := cmd.Start(); err != nil {
		plog.Errorf("failed to execute command %v: %v", command, err)
		os.Exit(1)
	}
	os.Exit(0)
	return nil
}

// SpawnLifecycleMonitor launches the monitor as a detached child of
// the current process, re-invoking our own binary. The monitor watches
// our PID and runs the shutdown command when we exit.
func SpawnLifecycleMonitor(shutdownCommand []string) error {
	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locating own executable")
	}
	args := []string{"internals", "lifecycle-monitor", strconv.Itoa(os.Getpid())}
	args = append(args, shutdownCommand...)
	cmd := exec.Command(self, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "spawning lifecycle monitor")
	}
	plog.Debugf("spawned lifecycle monitor pid %d", cmd.Pid())
	// Detach: the monitor must survive us; never wait on it.
	go func() { _ = cmd.Wait() }()
	return nil
}
