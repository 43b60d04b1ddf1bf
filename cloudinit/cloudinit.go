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

// Package cloudinit creates cloud-init ConfigDrive images in the
// OpenStack ConfigDrive v2 format: a small VFAT filesystem labeled
// CONFIG-2 with openstack/latest/{meta_data.json,user_data}.
//
// The filesystem is populated the same way systemd-repart does it:
// mkfs.vfat creates the image and mcopy (mtools) copies the files in,
// so no privileges or loop devices are required.
package cloudinit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/coreos/bcvk/system/exec"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/bcvk", "cloudinit")

// DriveLabel is the volume label cloud-init looks for.
const DriveLabel = "CONFIG-2"

// DiskSerial is the virtio-blk serial of the attached drive; the guest
// sees /dev/disk/by-id/virtio-config-2.
const DiskSerial = "config-2"

// InstanceID is the fixed instance id; cloud-init copies the metadata
// "uuid" field into "instance-id".
const InstanceID = "iid-local01"

// driveSizeBytes is the VFAT image size; configuration payloads are
// tiny but mkfs.vfat needs a reasonable floor.
const driveSizeBytes = 4 * 1024 * 1024

// Config for generating a ConfigDrive.
type Config struct {
	// Hostname to set in the guest, optional.
	Hostname string
	// UserData is raw cloud-config YAML, optional.
	UserData string
}

// Validate checks that the user data is usable cloud-init input: empty,
// a #! script, or a YAML mapping such as a #cloud-config document. The
// #cloud-config header line itself is not checked.
func (c *Config) Validate() error {
	if c.UserData == "" {
		return nil
	}
	if strings.HasPrefix(c.UserData, "#!") {
		return nil
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(c.UserData), &doc); err != nil {
		return errors.Wrap(err, "user data is not valid YAML")
	}
	return nil
}

// metaData renders openstack/latest/meta_data.json. cloud-init expects
// the "uuid" key (copied to instance-id) and optionally "hostname"
// (copied to local-hostname).
func (c *Config) metaData() ([]byte, error) {
	meta := map[string]string{"uuid": InstanceID}
	if c.Hostname != "" {
		meta["hostname"] = c.Hostname
	}
	return json.MarshalIndent(meta, "", "  ")
}

// requireTool returns an actionable error naming the missing package.
func requireTool(binary, pkg string) error {
	if _, err := exec.LookPath(binary); err != nil {
		return errors.Errorf("%s not found; install %s to use cloud-init ConfigDrive support", binary, pkg)
	}
	return nil
}

// GenerateConfigDrive writes a ConfigDrive VFAT image to outputPath.
func (c *Config) GenerateConfigDrive(outputPath string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := requireTool("mkfs.vfat", "dosfstools"); err != nil {
		return err
	}
	if err := requireTool("mcopy", "mtools"); err != nil {
		return err
	}

	tempDir, err := os.MkdirTemp("", "bcvk-configdrive")
	if err != nil {
		return errors.Wrap(err, "creating ConfigDrive staging directory")
	}
	defer os.RemoveAll(tempDir)

	latest := filepath.Join(tempDir, "openstack", "latest")
	if err := os.MkdirAll(latest, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", latest)
	}

	meta, err := c.metaData()
	if err != nil {
		return errors.Wrap(err, "rendering meta_data.json")
	}
	if err := os.WriteFile(filepath.Join(latest, "meta_data.json"), meta, 0o644); err != nil {
		return errors.Wrap(err, "writing meta_data.json")
	}
	if err := os.WriteFile(filepath.Join(latest, "user_data"), []byte(c.UserData), 0o644); err != nil {
		return errors.Wrap(err, "writing user_data")
	}

	// Create the VFAT image and copy the tree in.
	f, err := os.Create(outputPath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", outputPath)
	}
	if err := f.Truncate(driveSizeBytes); err != nil {
		f.Close()
		return errors.Wrapf(err, "sizing %s", outputPath)
	}
	f.Close()

	if out, err := exec.Command("mkfs.vfat", "-n", DriveLabel, outputPath).CombinedOutput(); err != nil {
		return errors.Errorf("mkfs.vfat failed: %s", out)
	}
	if out, err := exec.Command("mcopy", "-i", outputPath, "-s",
		filepath.Join(tempDir, "openstack"), "::").CombinedOutput(); err != nil {
		return errors.Errorf("mcopy failed: %s", out)
	}

	plog.Debugf("ConfigDrive VFAT image created at %s", outputPath)
	return nil
}

// FilterKernelArgs drops the no-datasource marker from kernel args
// when a ConfigDrive is attached, so cloud-init probes the drive.
func FilterKernelArgs(kargs []string, haveConfigDrive bool) []string {
	if !haveConfigDrive {
		return kargs
	}
	var out []string
	for _, karg := range kargs {
		if karg == "ds=iid-datasource-none" {
			continue
		}
		out = append(out, karg)
	}
	return out
}

// DefaultKernelArgs returns the datasource kernel args for a VM: when
// no drive is attached cloud-init is told not to look for one.
func DefaultKernelArgs(haveConfigDrive bool) []string {
	if haveConfigDrive {
		return nil
	}
	return []string{"ds=iid-datasource-none"}
}
