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
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk/system/exec"
)

// QemuImgInfo is the subset of `qemu-img info --output=json` we use.
type QemuImgInfo struct {
	VirtualSize         uint64 `json:"virtual-size"`
	Filename            string `json:"filename"`
	Format              string `json:"format"`
	ActualSize          uint64 `json:"actual-size"`
	BackingFilename     string `json:"backing-filename"`
	FullBackingFilename string `json:"full-backing-filename"`
}

// qemuImgInfo inspects a disk image. The force-share flag allows
// reading even when the image is locked by a running VM.
func qemuImgInfo(path string) (*QemuImgInfo, error) {
	out, err := exec.Command("qemu-img", "info", "--force-share", "--output=json", path).Output()
	if err != nil {
		return nil, errors.Wrapf(err, "qemu-img info %s", path)
	}
	var info QemuImgInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, errors.Wrapf(err, "parsing qemu-img info JSON for %s", path)
	}
	return &info, nil
}
