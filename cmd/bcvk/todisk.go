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
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coreos/bcvk/ephemeral"
	"github.com/coreos/bcvk/install"
	"github.com/coreos/bcvk/platform"
	"github.com/coreos/bcvk/todisk"
)

var (
	cmdToDisk = &cobra.Command{
		Use:   "to-disk [image] [target-disk]",
		Short: "Install a bootc image to a disk image file",
		Long: `Install a bootc container image onto a disk file by booting the
image itself as a disposable installation VM. Generated disks carry
cache metadata; re-running with identical inputs is a fast no-op.`,
		Args: cobra.ExactArgs(2),
		RunE: runToDisk,
	}

	toDiskInstall install.Options
	toDiskSize    string
	toDiskFormat  string
	toDiskMemory  string
	toDiskVCPUs   uint32
	toDiskLabels  []string
)

func init() {
	toDiskInstall.AddFlags(cmdToDisk.Flags())
	cmdToDisk.Flags().StringVar(&toDiskSize, "disk-size", "",
		"Disk size to create (e.g. 10G, 5120M, or plain number for bytes)")
	cmdToDisk.Flags().StringVar(&toDiskFormat, "format", "raw",
		"Output disk image format (raw or qcow2)")
	cmdToDisk.Flags().StringVar(&toDiskMemory, "memory", "4G",
		"Memory for the installer VM")
	cmdToDisk.Flags().Uint32Var(&toDiskVCPUs, "vcpus", 0,
		"Number of vCPUs for the installer VM")
	cmdToDisk.Flags().StringArrayVar(&toDiskLabels, "label", nil,
		"Add metadata to the container in key=value form")
	root.AddCommand(cmdToDisk)
}

func runToDisk(cmd *cobra.Command, args []string) error {
	var format platform.DiskFormat
	switch toDiskFormat {
	case "raw":
		format = platform.FormatRaw
	case "qcow2":
		format = platform.FormatQcow2
	default:
		return errors.Errorf("unknown format %q (expected raw or qcow2)", toDiskFormat)
	}

	return todisk.Run(&ephemeral.PodmanRunner{}, &todisk.Options{
		SourceImage: args[0],
		TargetDisk:  args[1],
		Install:     toDiskInstall,
		DiskSize:    toDiskSize,
		Format:      format,
		Memory:      toDiskMemory,
		VCPUs:       toDiskVCPUs,
		Labels:      toDiskLabels,
	})
}
