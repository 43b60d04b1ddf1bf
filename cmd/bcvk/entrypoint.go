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

package main

import (
	"github.com/spf13/cobra"

	"github.com/coreos/bcvk/ephemeral"
)

var (
	cmdContainerEntrypoint = &cobra.Command{
		Use:    "container-entrypoint",
		Short:  "Launch and supervise the VM inside a VM-host container",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runContainerEntrypoint,
	}

	entrypointOpts    ephemeral.EntrypointOpts
	entrypointRootDir string
	entrypointMemory  string
	entrypointVCPUs   uint32
	entrypointSwap    uint64
	entrypointDisks   []string
	entrypointDrive   string
	entrypointConsole bool
	entrypointStorage bool
	entrypointSSHKeys bool
)

func init() {
	f := cmdContainerEntrypoint.Flags()
	f.StringVar(&entrypointRootDir, "root-dir", "", "Extracted image root to export as rootfs")
	f.StringVar(&entrypointMemory, "memory", "4G", "Memory size")
	f.Uint32Var(&entrypointVCPUs, "vcpus", 0, "Number of vCPUs")
	f.BoolVar(&entrypointStorage, "bind-storage-ro", false, "Export host container storage read-only")
	f.BoolVar(&entrypointSSHKeys, "ssh-keygen", false, "Generate and inject an SSH key")
	f.Uint64Var(&entrypointSwap, "add-swap", 0, "Provision guest swap of this many bytes")
	f.StringArrayVar(&entrypointDisks, "mount-disk-file", nil, "Attach a disk (path:serial:format)")
	f.StringVar(&entrypointDrive, "config-drive", "", "Attach a pre-built cloud-init ConfigDrive image")
	f.BoolVar(&entrypointConsole, "console", false, "Multiplex the VM console on stdio")
	root.AddCommand(cmdContainerEntrypoint)
}

func runContainerEntrypoint(cmd *cobra.Command, args []string) error {
	entrypointOpts = ephemeral.EntrypointOpts{
		RootDir:        entrypointRootDir,
		Memory:         entrypointMemory,
		VCPUs:          entrypointVCPUs,
		BindStorageRO:  entrypointStorage,
		SSHKeygen:      entrypointSSHKeys,
		AddSwapBytes:   entrypointSwap,
		MountDiskFiles: entrypointDisks,
		ConfigDrive:    entrypointDrive,
		Console:        entrypointConsole,
	}
	return ephemeral.RunEntrypoint(&entrypointOpts)
}
