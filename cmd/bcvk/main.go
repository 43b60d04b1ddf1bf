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
	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/coreos/bcvk/cli"
)

var (
	plog = capnslog.NewPackageLogger("github.com/coreos/bcvk", "main")

	root = &cobra.Command{
		Use:   "bcvk [command]",
		Short: "bcvk boots bootc container images as virtual machines",
		Long: `A toolkit for bootc containers and local virtualization.

bcvk runs bootc images as ephemeral VMs, installs them to disk images,
and manages persistent libvirt VMs backed by shared base disks - all
without requiring root privileges.`,
		SilenceUsage: true,
	}
)

func main() {
	cli.Execute(root)
}
