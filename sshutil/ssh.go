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

// Package sshutil provides SSH credential generation and client
// invocation for bcvk VMs.
package sshutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"

	"github.com/coreos/pkg/capnslog"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/coreos/bcvk/system/exec"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/bcvk", "sshutil")

// rsaKeyBits is the modulus size of generated keypairs.
const rsaKeyBits = 4096

// KeyPair is a generated SSH keypair on disk.
type KeyPair struct {
	// PrivateKeyPath is the PEM encoded private key, mode 0600.
	PrivateKeyPath string
	// PublicKeyPath is the authorized_keys format public key.
	PublicKeyPath string
}

// GenerateKeyPair creates a new RSA-4096 keypair under outputDir with
// no passphrase, for automated use. The private key file is 0600.
func GenerateKeyPair(outputDir, keyName string) (*KeyPair, error) {
	if err := os.MkdirAll(outputDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating %s", outputDir)
	}
	privPath := filepath.Join(outputDir, keyName)
	pubPath := privPath + ".pub"

	plog.Debugf("generating SSH keypair at %s", privPath)
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "generating RSA key")
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, errors.Wrapf(err, "writing private key %s", privPath)
	}

	sshPub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "encoding public key")
	}
	pubLine := ssh.MarshalAuthorizedKey(sshPub)
	if err := os.WriteFile(pubPath, pubLine, 0o644); err != nil {
		return nil, errors.Wrapf(err, "writing public key %s", pubPath)
	}

	return &KeyPair{PrivateKeyPath: privPath, PublicKeyPath: pubPath}, nil
}

// ShellEscapeCommand combines remote-command tokens into a single,
// properly quoted shell command string. SSH sends commands as strings,
// not argument arrays, so ["/bin/sh", "-c", "echo a; echo b"] must be
// joined so the remote shell reconstructs the original tokens.
func ShellEscapeCommand(args []string) string {
	return shellquote.Join(args...)
}

// CommonOptions are the SSH client options shared by every connection
// path.
type CommonOptions struct {
	// StrictHostKeys enables host key verification; off by default
	// since VM host keys are freshly generated every boot.
	StrictHostKeys bool
	// ConnectTimeout in seconds.
	ConnectTimeout uint32
	// ServerAliveInterval in seconds.
	ServerAliveInterval uint32
	// LogLevel for the SSH client.
	LogLevel string
	// ExtraOptions are additional key=value option pairs.
	ExtraOptions [][2]string
}

// DefaultCommonOptions returns the standard hardening flags.
func DefaultCommonOptions() CommonOptions {
	return CommonOptions{
		ConnectTimeout:      30,
		ServerAliveInterval: 60,
		LogLevel:            "ERROR",
	}
}

// Args renders the options as ssh client arguments.
func (o *CommonOptions) Args() []string {
	args := []string{
		"-o", "IdentitiesOnly=yes",
		"-o", "PasswordAuthentication=no",
		"-o", "KbdInteractiveAuthentication=no",
		"-o", "GSSAPIAuthentication=no",
		"-o", fmt.Sprintf("ConnectTimeout=%d", o.ConnectTimeout),
		"-o", fmt.Sprintf("ServerAliveInterval=%d", o.ServerAliveInterval),
		"-o", fmt.Sprintf("LogLevel=%s", o.LogLevel),
	}
	if !o.StrictHostKeys {
		args = append(args,
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
		)
	}
	for _, kv := range o.ExtraOptions {
		args = append(args, "-o", fmt.Sprintf("%s=%s", kv[0], kv[1]))
	}
	return args
}

// ConnectionOptions configure one SSH invocation.
type ConnectionOptions struct {
	Common CommonOptions
	// AllocateTTY requests a pseudo-terminal.
	AllocateTTY bool
	// SuppressOutput discards stdout/stderr (connectivity probes).
	SuppressOutput bool
}

// DefaultConnectionOptions is an interactive-friendly default.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{Common: DefaultCommonOptions(), AllocateTTY: true}
}

// ConnectivityTestOptions returns options for a quick one-shot probe:
// 2 second connect timeout, batch mode, no TTY, no output.
func ConnectivityTestOptions() ConnectionOptions {
	opts := ConnectionOptions{Common: DefaultCommonOptions(), SuppressOutput: true}
	opts.Common.ConnectTimeout = 2
	return opts
}

// ConnectViaContainer runs ssh inside the VM-host container (where the
// key is mounted and QEMU forwards guest port 22 to localhost:2222)
// and returns the client's exit status.
func ConnectViaContainer(containerName string, command []string, opts *ConnectionOptions) (int, error) {
	// Verify the container exists and is running for a clearer error
	// than podman's.
	out, err := exec.Command("podman", "inspect", containerName,
		"--format", "{{.State.Status}}").Output()
	if err != nil {
		return -1, errors.Errorf("container '%s' not found", containerName)
	}
	if state := string(out); state != "running\n" && state != "running" {
		return -1, errors.Errorf("container '%s' is not running (status: %s)", containerName, state)
	}

	args := []string{"exec"}
	if opts.AllocateTTY {
		args = append(args, "-it")
	}
	args = append(args, containerName, "ssh",
		"-i", "/run/tmproot/var/lib/bcvk/ssh")
	args = append(args, opts.Common.Args()...)
	if !opts.AllocateTTY {
		args = append(args, "-o", "BatchMode=yes")
	}
	args = append(args, "root@127.0.0.1", "-p", "2222")

	if len(command) > 0 {
		args = append(args, "--")
		if len(command) > 1 {
			args = append(args, ShellEscapeCommand(command))
		} else {
			args = append(args, command[0])
		}
	}

	cmd := exec.Command("podman", args...)
	if opts.SuppressOutput {
		cmd.Stdout = nil
		cmd.Stderr = nil
	} else {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	plog.Debugf("executing: podman %v", args)

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}
	if eerr, ok := err.(*osexec.ExitError); ok {
		return eerr.ExitCode(), nil
	}
	return -1, errors.Wrap(err, "failed to execute SSH command")
}

// ProbeContainer attempts one `true` over SSH inside the container.
func ProbeContainer(containerName string) (bool, error) {
	opts := ConnectivityTestOptions()
	code, err := ConnectViaContainer(containerName, []string{"true"}, &opts)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}
