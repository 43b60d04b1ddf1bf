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

	"github.com/spf13/cobra"

	"github.com/coreos/bcvk/images"
	"github.com/coreos/bcvk/libvirt"
	"github.com/coreos/bcvk/supervisor"
)

var (
	cmdInternals = &cobra.Command{
		Use:    "internals",
		Short:  "Internal helper commands",
		Hidden: true,
	}

	cmdLifecycleMonitor = &cobra.Command{
		Use:   "lifecycle-monitor [pid|parent] [command...]",
		Short: "Run a command when the target process exits",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return libvirt.RunLifecycleMonitor(args[0], args[1:])
		},
	}

	cmdMonitorStatus = &cobra.Command{
		Use:   "monitor-status",
		Short: "Stream supervisor status changes as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return supervisor.RunMonitor()
		},
	}

	cmdImages = &cobra.Command{
		Use:   "images",
		Short: "Manage and inspect bootc container images",
	}

	cmdImagesInspect = &cobra.Command{
		Use:   "inspect [image]",
		Short: "Resolve an image to its digest and size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := images.InspectImage(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}

	cmdStatus = &cobra.Command{
		Use:   "status",
		Short: "Show environment status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := (&libvirt.Options{}).GetStatus()
			if err != nil {
				return err
			}
			fmt.Printf("libvirt: ")
			if status.Version != nil {
				fmt.Println(status.Version.FullVersion)
			} else {
				fmt.Println("unknown")
			}
			fmt.Printf("domains: %d (%d running)\n",
				status.DomainCount, status.RunningDomainCount)
			return nil
		},
	}
)

func init() {
	cmdInternals.AddCommand(cmdLifecycleMonitor, cmdMonitorStatus)
	cmdImages.AddCommand(cmdImagesInspect)
	root.AddCommand(cmdInternals, cmdImages, cmdStatus)
}
