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
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	osexec "os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coreos/bcvk/sshutil"
)

// DomainSSHConfig is the SSH configuration stored in domain metadata.
type DomainSSHConfig struct {
	PrivateKey  []byte
	Port        uint16
	IsGenerated bool
}

// ExtractSSHConfig reads the SSH credentials of a domain from its XML
// metadata. Both prefixed and bare element forms are accepted.
func (o *Options) ExtractSSHConfig(domainName string) (*DomainSSHConfig, error) {
	dom, err := o.DomainXML(domainName)
	if err != nil {
		return nil, err
	}

	keyNode := dom.FindWithNamespace("ssh-private-key-base64")
	if keyNode == nil {
		return nil, errors.Errorf(
			"no SSH private key found in domain '%s' metadata; the domain was not created with SSH key injection",
			domainName)
	}
	key, err := base64.StdEncoding.DecodeString(keyNode.TextContent())
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode base64 SSH private key")
	}
	if !bytes.Contains(key, []byte("BEGIN")) || !bytes.Contains(key, []byte("PRIVATE KEY")) {
		return nil, errors.New("invalid SSH private key format in domain metadata")
	}
	// Keys are newline sensitive: normalize line endings and ensure
	// exactly one trailing newline.
	key = bytes.ReplaceAll(key, []byte("\r\n"), []byte("\n"))
	key = bytes.ReplaceAll(key, []byte("\r"), []byte("\n"))
	key = append(bytes.TrimRight(key, "\n"), '\n')

	portNode := dom.FindWithNamespace("ssh-port")
	if portNode == nil {
		return nil, errors.Errorf("no SSH port found in domain '%s' metadata", domainName)
	}
	port, err := strconv.ParseUint(portNode.TextContent(), 10, 16)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid SSH port %q", portNode.TextContent())
	}

	generated := false
	if node := dom.FindWithNamespace("ssh-generated"); node != nil {
		generated = node.TextContent() == "true"
	}

	return &DomainSSHConfig{
		PrivateKey:  key,
		Port:        uint16(port),
		IsGenerated: generated,
	}, nil
}

// writeTempKey materializes the private key as a 0600 tempfile and
// verifies the written content byte-for-byte, defending against
// truncated writes before the key is handed to ssh.
func writeTempKey(key []byte) (string, error) {
	f, err := os.CreateTemp("", "bcvk-ssh-key")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temporary SSH key file")
	}
	path := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(path)
	}
	if err := f.Chmod(0o600); err != nil {
		cleanup()
		return "", errors.Wrap(err, "setting SSH key file permissions")
	}
	if _, err := f.Write(key); err != nil {
		cleanup()
		return "", errors.Wrap(err, "writing SSH key file")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", errors.Wrap(err, "closing SSH key file")
	}
	written, err := os.ReadFile(path)
	if err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, "verifying written SSH key file")
	}
	if !bytes.Equal(written, key) {
		os.Remove(path)
		return "", errors.New("SSH key file content verification failed")
	}
	return path, nil
}

// SSHOptions configure an SSH connection to a domain.
type SSHOptions struct {
	User           string
	Command        []string
	StrictHostKeys bool
	Timeout        uint32
	LogLevel       string
	ExtraOptions   []string
}

// DefaultSSHOptions connects as root with the standard hardening.
func DefaultSSHOptions() SSHOptions {
	return SSHOptions{User: "root", Timeout: 30, LogLevel: "ERROR"}
}

// SSH connects to a running domain using the credentials embedded in
// its metadata. With an empty remote command the current process image
// is replaced by the SSH client so TTY handling is native; otherwise
// output is captured and forwarded with the child's exit code.
func (o *Options) SSH(domainName string, opts SSHOptions) error {
	state, err := o.DomainState(domainName)
	if err != nil {
		return errors.Errorf("domain '%s' not found", domainName)
	}
	if state != "running" {
		return errors.Errorf(
			"domain '%s' is not running (current state: %s); start it first",
			domainName, state)
	}

	sshConfig, err := o.ExtractSSHConfig(domainName)
	if err != nil {
		return err
	}
	if sshConfig.IsGenerated {
		plog.Debugf("using ephemeral SSH key from domain metadata")
	}

	keyPath, err := writeTempKey(sshConfig.PrivateKey)
	if err != nil {
		return err
	}
	defer os.Remove(keyPath)

	common := sshutil.DefaultCommonOptions()
	common.StrictHostKeys = opts.StrictHostKeys
	if opts.Timeout != 0 {
		common.ConnectTimeout = opts.Timeout
	}
	if opts.LogLevel != "" {
		common.LogLevel = opts.LogLevel
	}
	for _, extra := range opts.ExtraOptions {
		k, v, ok := strings.Cut(extra, "=")
		if !ok {
			return errors.Errorf("invalid extra option format '%s', expected 'key=value'", extra)
		}
		common.ExtraOptions = append(common.ExtraOptions, [2]string{k, v})
	}

	user := opts.User
	if user == "" {
		user = "root"
	}
	args := []string{
		"-i", keyPath,
		"-p", strconv.Itoa(int(sshConfig.Port)),
	}
	args = append(args, common.Args()...)
	args = append(args, fmt.Sprintf("%s@127.0.0.1", user))
	if len(opts.Command) > 0 {
		args = append(args, "--")
		if len(opts.Command) > 1 {
			args = append(args, sshutil.ShellEscapeCommand(opts.Command))
		} else {
			args = append(args, opts.Command[0])
		}
	}

	plog.Debugf("executing ssh %v", args)
	if len(opts.Command) == 0 {
		// Interactive: replace the process image. Only returns on
		// error; the tempfile is reclaimed by the OS tempdir cleanup.
		sshPath, err := osexec.LookPath("ssh")
		if err != nil {
			return errors.Wrap(err, "locating ssh client")
		}
		argv := append([]string{"ssh"}, args...)
		err = unix.Exec(sshPath, argv, os.Environ())
		return errors.Wrap(err, "failed to exec SSH command")
	}

	cmd := osexec.Command("ssh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	if stdout.Len() > 0 {
		fmt.Print(stdout.String())
	}
	if stderr.Len() > 0 {
		fmt.Fprint(os.Stderr, stderr.String())
	}
	if err != nil {
		if eerr, ok := err.(*osexec.ExitError); ok {
			if ws, ok := eerr.Sys().(syscall.WaitStatus); ok && ws.Exited() {
				return &ExitStatusError{Code: ws.ExitStatus()}
			}
		}
		return errors.Wrap(err, "SSH connection failed")
	}
	return nil
}

// ExitStatusError propagates a remote command's exit code so the CLI
// can mirror it.
type ExitStatusError struct {
	Code int
}

func (e *ExitStatusError) Error() string {
	return fmt.Sprintf("remote command exited with code %d", e.Code)
}
