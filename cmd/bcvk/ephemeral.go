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
	"os"

	"github.com/spf13/cobra"

	"github.com/coreos/bcvk/cloudinit"
	"github.com/coreos/bcvk/ephemeral"
	"github.com/coreos/bcvk/todisk"
)

var (
	cmdEphemeral = &cobra.Command{
		Use:   "ephemeral",
		Short: "Manage ephemeral VMs for bootc containers",
	}

	cmdEphemeralRunSSH = &cobra.Command{
		Use:   "run-ssh [image] [-- command...]",
		Short: "Run a bootc image as an ephemeral VM and SSH into it",
		Long: `Boot a bootc image as an ephemeral VM, wait for SSH readiness, and
connect. With a command the remote exit code is mirrored; without one
an interactive shell is opened. The VM disappears on exit.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runEphemeralSSH,
	}

	ephemeralMemory   string
	ephemeralVCPUs    uint32
	ephemeralLabels   []string
	ephemeralUserData string
)

func init() {
	cmdEphemeralRunSSH.Flags().StringVar(&ephemeralMemory, "memory", "4G",
		"Memory size (e.g. 4G, 2048M)")
	cmdEphemeralRunSSH.Flags().Uint32Var(&ephemeralVCPUs, "vcpus", 0,
		"Number of virtual CPUs")
	cmdEphemeralRunSSH.Flags().StringArrayVar(&ephemeralLabels, "label", nil,
		"Add metadata to the container in key=value form")
	cmdEphemeralRunSSH.Flags().StringVar(&ephemeralUserData, "cloud-init-user-data", "",
		"Attach a cloud-init ConfigDrive built from this user-data file")
	cmdEphemeral.AddCommand(cmdEphemeralRunSSH)
	root.AddCommand(cmdEphemeral)
}

func runEphemeralSSH(cmd *cobra.Command, args []string) error {
	spec := &todisk.VMSpec{
		Image:  args[0],
		Memory: ephemeralMemory,
		VCPUs:  ephemeralVCPUs,
		Labels: ephemeralLabels,
	}
	if ephemeralUserData != "" {
		userData, err := os.ReadFile(ephemeralUserData)
		if err != nil {
			return err
		}
		drive, err := os.CreateTemp("", "bcvk-configdrive-*.img")
		if err != nil {
			return err
		}
		drive.Close()
		defer os.Remove(drive.Name())
		cfg := cloudinit.Config{UserData: string(userData)}
		if err := cfg.GenerateConfigDrive(drive.Name()); err != nil {
			return err
		}
		spec.ConfigDrive = drive.Name()
	}
	code, err := ephemeral.RunSSH(&ephemeral.PodmanRunner{}, spec, args[1:], nil)
	if err != nil {
		return err
	}
	// Mirror the remote command's exit code.
	os.Exit(code)
	return nil
}
