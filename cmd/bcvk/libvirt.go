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
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coreos/bcvk/ephemeral"
	"github.com/coreos/bcvk/install"
	"github.com/coreos/bcvk/libvirt"
	"github.com/coreos/bcvk/util"
)

var (
	cmdLibvirt = &cobra.Command{
		Use:   "libvirt",
		Short: "Manage libvirt integration for bootc containers",
	}

	libvirtConnect string

	cmdLibvirtRun = &cobra.Command{
		Use:   "run [image]",
		Short: "Run a bootable container as a persistent VM",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibvirtRun,
	}
	libvirtRunName           string
	libvirtRunMemory         string
	libvirtRunCPUs           uint32
	libvirtRunDiskSize       string
	libvirtRunInstall        install.Options
	libvirtRunNetwork        string
	libvirtRunVolumes        []string
	libvirtRunBindStorageRO  bool
	libvirtRunFirmware       string
	libvirtRunDisableTPM     bool
	libvirtRunSecureBootKeys string
	libvirtRunLabels         []string
	libvirtRunSSH            bool
	libvirtRunBindLifecycle  bool

	cmdLibvirtSSH = &cobra.Command{
		Use:   "ssh [domain] [-- command...]",
		Short: "SSH to a libvirt domain with its embedded SSH key",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLibvirtSSH,
	}
	libvirtSSHUser    string
	libvirtSSHStrict  bool
	libvirtSSHTimeout uint32

	cmdLibvirtList = &cobra.Command{
		Use:   "list",
		Short: "List bcvk domains with metadata",
		Args:  cobra.NoArgs,
		RunE:  runLibvirtList,
	}
	libvirtListAll    bool
	libvirtListFormat string

	cmdLibvirtInspect = &cobra.Command{
		Use:   "inspect [domain]",
		Short: "Show detailed information about a libvirt domain",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibvirtInspect,
	}

	cmdLibvirtStart = &cobra.Command{
		Use:   "start [domain]",
		Short: "Start a stopped libvirt domain",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibvirtStart,
	}
	libvirtStartSSH bool

	cmdLibvirtStop = &cobra.Command{
		Use:   "stop [domain]",
		Short: "Stop a running libvirt domain",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibvirtStop,
	}
	libvirtStopForce   bool
	libvirtStopTimeout uint32

	cmdLibvirtRm = &cobra.Command{
		Use:   "rm [domain]",
		Short: "Remove a libvirt domain and its resources",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibvirtRm,
	}
	libvirtRmForce bool
	libvirtRmStop  bool

	cmdLibvirtRmAll = &cobra.Command{
		Use:   "rm-all",
		Short: "Remove all bcvk domains and their resources",
		Args:  cobra.NoArgs,
		RunE:  runLibvirtRmAll,
	}

	cmdLibvirtStatus = &cobra.Command{
		Use:   "status",
		Short: "Show libvirt environment status and capabilities",
		Args:  cobra.NoArgs,
		RunE:  runLibvirtStatus,
	}
	libvirtStatusFormat string

	cmdLibvirtBaseDisks = &cobra.Command{
		Use:   "base-disks",
		Short: "Manage base disk images used for VM cloning",
	}
	cmdLibvirtBaseDisksList = &cobra.Command{
		Use:   "list",
		Short: "List base disks with reference counts",
		Args:  cobra.NoArgs,
		RunE:  runLibvirtBaseDisksList,
	}
	cmdLibvirtBaseDisksPrune = &cobra.Command{
		Use:   "prune",
		Short: "Delete base disks not referenced by any VM disk",
		Args:  cobra.NoArgs,
		RunE:  runLibvirtBaseDisksPrune,
	}
	libvirtPruneDryRun bool
)

func init() {
	cmdLibvirt.PersistentFlags().StringVarP(&libvirtConnect, "connect", "c", "",
		"Hypervisor connection URI (e.g. qemu:///session)")

	cmdLibvirtRun.Flags().StringVar(&libvirtRunName, "name", "",
		"Name for the VM (auto-generated if not specified)")
	cmdLibvirtRun.Flags().StringVar(&libvirtRunMemory, "memory", libvirt.DefaultMemory,
		"Memory size (e.g. 4G, 2048M, or plain number for MB)")
	cmdLibvirtRun.Flags().Uint32Var(&libvirtRunCPUs, "cpus", libvirt.DefaultCPUs,
		"Number of virtual CPUs for the VM")
	cmdLibvirtRun.Flags().StringVar(&libvirtRunDiskSize, "disk-size", libvirt.DefaultDiskSize,
		"Disk size for the VM (e.g. 20G)")
	libvirtRunInstall.AddFlags(cmdLibvirtRun.Flags())
	cmdLibvirtRun.Flags().StringVar(&libvirtRunNetwork, "network", "user",
		"Network mode recorded in the VM metadata (the VM always uses user-mode networking)")
	cmdLibvirtRun.Flags().StringArrayVarP(&libvirtRunVolumes, "volume", "v", nil,
		"Volume mount from host to VM (host_path:tag)")
	cmdLibvirtRun.Flags().BoolVar(&libvirtRunBindStorageRO, "bind-storage-ro", false,
		"Mount host container storage (RO) at /run/virtiofs-mnt-hoststorage")
	cmdLibvirtRun.Flags().StringVar(&libvirtRunFirmware, "firmware", string(libvirt.FirmwareUefiSecure),
		"Firmware type: uefi-secure, uefi-insecure, or bios")
	cmdLibvirtRun.Flags().BoolVar(&libvirtRunDisableTPM, "disable-tpm", false,
		"Disable TPM 2.0 support (enabled by default)")
	cmdLibvirtRun.Flags().StringVar(&libvirtRunSecureBootKeys, "secure-boot-keys", "",
		"Directory containing secure boot keys (required for uefi-secure enrollment)")
	cmdLibvirtRun.Flags().StringArrayVar(&libvirtRunLabels, "label", nil,
		"Add metadata to the domain in key=value form")
	cmdLibvirtRun.Flags().BoolVar(&libvirtRunSSH, "ssh", false,
		"Automatically SSH into the VM after creation")
	cmdLibvirtRun.Flags().BoolVar(&libvirtRunBindLifecycle, "lifecycle-bind-parent", false,
		"Shut the VM down when this process exits")

	cmdLibvirtSSH.Flags().StringVar(&libvirtSSHUser, "user", "root",
		"SSH username to use for connection")
	cmdLibvirtSSH.Flags().BoolVar(&libvirtSSHStrict, "strict-host-keys", false,
		"Use strict host key checking")
	cmdLibvirtSSH.Flags().Uint32Var(&libvirtSSHTimeout, "timeout", 30,
		"SSH connection timeout in seconds")

	cmdLibvirtList.Flags().BoolVar(&libvirtListAll, "all", false,
		"Include stopped domains")
	cmdLibvirtList.Flags().StringVar(&libvirtListFormat, "format", "table",
		"Output format (table, json, yaml)")

	cmdLibvirtStart.Flags().BoolVar(&libvirtStartSSH, "ssh", false,
		"Automatically SSH into the domain after starting")

	cmdLibvirtStop.Flags().BoolVarP(&libvirtStopForce, "force", "f", false,
		"Force stop the domain")
	cmdLibvirtStop.Flags().Uint32Var(&libvirtStopTimeout, "timeout", 60,
		"Timeout in seconds for graceful shutdown")

	cmdLibvirtRm.Flags().BoolVarP(&libvirtRmForce, "force", "f", false,
		"Force removal without confirmation (also stops running VMs)")
	cmdLibvirtRm.Flags().BoolVar(&libvirtRmStop, "stop", false,
		"Stop domain if it's running (implied by --force)")
	cmdLibvirtRmAll.Flags().BoolVarP(&libvirtRmForce, "force", "f", false,
		"Force removal without confirmation (also stops running VMs)")
	cmdLibvirtRmAll.Flags().BoolVar(&libvirtRmStop, "stop", false,
		"Stop domains that are running (implied by --force)")

	cmdLibvirtStatus.Flags().StringVar(&libvirtStatusFormat, "format", "yaml",
		"Output format (yaml or json)")

	cmdLibvirtBaseDisksPrune.Flags().BoolVar(&libvirtPruneDryRun, "dry-run", false,
		"Print intended deletions without acting")

	cmdLibvirtBaseDisks.AddCommand(cmdLibvirtBaseDisksList, cmdLibvirtBaseDisksPrune)
	cmdLibvirt.AddCommand(cmdLibvirtRun, cmdLibvirtSSH, cmdLibvirtList,
		cmdLibvirtInspect, cmdLibvirtStart, cmdLibvirtStop, cmdLibvirtRm,
		cmdLibvirtRmAll, cmdLibvirtStatus, cmdLibvirtBaseDisks)
	root.AddCommand(cmdLibvirt)
}

func libvirtOptions() *libvirt.Options {
	return &libvirt.Options{Connect: libvirtConnect}
}

func runLibvirtRun(cmd *cobra.Command, args []string) error {
	memoryMB, err := util.ParseMemoryToMB(libvirtRunMemory)
	if err != nil {
		return err
	}
	var firmware libvirt.FirmwareType
	switch libvirtRunFirmware {
	case string(libvirt.FirmwareUefiSecure), string(libvirt.FirmwareUefiInsecure), string(libvirt.FirmwareBios):
		firmware = libvirt.FirmwareType(libvirtRunFirmware)
	default:
		return errors.Errorf("unknown firmware type %q", libvirtRunFirmware)
	}

	opts := libvirtOptions()
	vmName, err := opts.Run(&ephemeral.PodmanRunner{}, &libvirt.RunOpts{
		Image:          args[0],
		Name:           libvirtRunName,
		MemoryMB:       uint64(memoryMB),
		CPUs:           libvirtRunCPUs,
		DiskSize:       libvirtRunDiskSize,
		Install:        libvirtRunInstall,
		Network:        libvirtRunNetwork,
		Volumes:        libvirtRunVolumes,
		BindStorageRO:  libvirtRunBindStorageRO,
		Firmware:       firmware,
		DisableTPM:     libvirtRunDisableTPM,
		SecureBootKeys: libvirtRunSecureBootKeys,
		Labels:         libvirtRunLabels,
	})
	if err != nil {
		return err
	}

	fmt.Printf("VM '%s' created successfully!\n", vmName)
	fmt.Printf("  Image: %s\n", args[0])
	fmt.Printf("  Memory: %s\n", libvirtRunMemory)
	fmt.Printf("  CPUs: %d\n", libvirtRunCPUs)

	if libvirtRunBindLifecycle {
		shutdown := []string{"virsh"}
		if libvirtConnect != "" {
			shutdown = append(shutdown, "-c", libvirtConnect)
		}
		shutdown = append(shutdown, "shutdown", vmName)
		if err := libvirt.SpawnLifecycleMonitor(shutdown); err != nil {
			return err
		}
	}

	if libvirtRunSSH {
		sshOpts := libvirt.DefaultSSHOptions()
		return opts.SSH(vmName, sshOpts)
	}
	fmt.Printf("\nUse 'bcvk libvirt ssh %s' to connect\n", vmName)
	return nil
}

func runLibvirtSSH(cmd *cobra.Command, args []string) error {
	sshOpts := libvirt.DefaultSSHOptions()
	sshOpts.User = libvirtSSHUser
	sshOpts.StrictHostKeys = libvirtSSHStrict
	sshOpts.Timeout = libvirtSSHTimeout
	sshOpts.Command = args[1:]
	err := libvirtOptions().SSH(args[0], sshOpts)
	if exitErr, ok := err.(*libvirt.ExitStatusError); ok {
		os.Exit(exitErr.Code)
	}
	return err
}

func runLibvirtList(cmd *cobra.Command, args []string) error {
	domains, err := libvirtOptions().ListBcvkDomains()
	if err != nil {
		return err
	}
	if !libvirtListAll {
		var running []*libvirt.Domain
		for _, d := range domains {
			if d.IsRunning() {
				running = append(running, d)
			}
		}
		domains = running
	}

	switch libvirtListFormat {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(domains)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(domains)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tIMAGE\tMEMORY\tVCPUS")
		for _, d := range domains {
			memory := ""
			if d.MemoryMB > 0 {
				memory = fmt.Sprintf("%dM", d.MemoryMB)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				d.Name, d.StatusString(), d.Image, memory, d.Vcpus)
		}
		return w.Flush()
	default:
		return errors.Errorf("unknown format %q", libvirtListFormat)
	}
}

func runLibvirtInspect(cmd *cobra.Command, args []string) error {
	domain, err := libvirtOptions().GetDomain(args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(domain)
}

func runLibvirtStart(cmd *cobra.Command, args []string) error {
	opts := libvirtOptions()
	if err := opts.Start(args[0]); err != nil {
		return err
	}
	if libvirtStartSSH {
		return opts.SSH(args[0], libvirt.DefaultSSHOptions())
	}
	return nil
}

func runLibvirtStop(cmd *cobra.Command, args []string) error {
	return libvirtOptions().Stop(args[0], libvirt.StopOpts{
		Force:   libvirtStopForce,
		Timeout: time.Duration(libvirtStopTimeout) * time.Second,
	})
}

func runLibvirtRm(cmd *cobra.Command, args []string) error {
	return libvirtOptions().Remove(args[0], libvirt.RemoveOpts{
		Force: libvirtRmForce,
		Stop:  libvirtRmStop,
	})
}

func runLibvirtRmAll(cmd *cobra.Command, args []string) error {
	return libvirtOptions().RemoveAll(libvirt.RemoveOpts{
		Force: libvirtRmForce,
		Stop:  libvirtRmStop,
	})
}

func runLibvirtStatus(cmd *cobra.Command, args []string) error {
	status, err := libvirtOptions().GetStatus()
	if err != nil {
		return err
	}
	switch libvirtStatusFormat {
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(status)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	default:
		return errors.Errorf("unknown format %q", libvirtStatusFormat)
	}
}

func runLibvirtBaseDisksList(cmd *cobra.Command, args []string) error {
	disks, err := libvirtOptions().ListBaseDisks()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSIZE\tDIGEST\tREFS")
	for _, d := range disks {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", d.Path, d.SizeBytes, d.ImageDigest, d.RefCount)
	}
	return w.Flush()
}

func runLibvirtBaseDisksPrune(cmd *cobra.Command, args []string) error {
	_, err := libvirtOptions().PruneBaseDisks(libvirtPruneDryRun)
	return err
}
