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
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk/system/exec"
)

// Secure boot keys are consumed, never produced: the caller supplies a
// directory with GUID.txt plus PK/KEK/db certificates, and we enroll
// them into a copy of the system OVMF variables template.

// SecureBootConfig is the materialized secure boot configuration.
type SecureBootConfig struct {
	// KeyDir is the caller's key directory.
	KeyDir string
	// VarsTemplate is the customized OVMF_VARS with enrolled keys,
	// cached in the key directory and reused.
	VarsTemplate string
	// GUID of the key owner.
	GUID string
}

// SecureBootKeys is a loaded key set.
type SecureBootKeys struct {
	PKCert  string
	KEKCert string
	DBCert  string
	GUID    string
}

// LoadSecureBootKeys validates and loads a key directory.
func LoadSecureBootKeys(keyDir string) (*SecureBootKeys, error) {
	if st, err := os.Stat(keyDir); err != nil || !st.IsDir() {
		return nil, errors.Errorf(
			"secure boot key directory not found: %s. Please generate keys externally.", keyDir)
	}
	guidFile := filepath.Join(keyDir, "GUID.txt")
	guidData, err := os.ReadFile(guidFile)
	if err != nil {
		return nil, errors.Errorf(
			"failed to read GUID from %s. Ensure keys are properly generated.", guidFile)
	}
	keys := &SecureBootKeys{
		PKCert:  filepath.Join(keyDir, "PK.crt"),
		KEKCert: filepath.Join(keyDir, "KEK.crt"),
		DBCert:  filepath.Join(keyDir, "db.crt"),
		GUID:    strings.TrimSpace(string(guidData)),
	}
	for _, f := range []struct{ path, name string }{
		{keys.PKCert, "PK.crt"},
		{keys.KEKCert, "KEK.crt"},
		{keys.DBCert, "db.crt"},
	} {
		if _, err := os.Stat(f.path); err != nil {
			return nil, errors.Errorf(
				"required secure boot file %s not found in %s", f.name, keyDir)
		}
	}
	return keys, nil
}

// customizeOVMFVars enrolls the keys into a copy of the variables
// template using virt-fw-vars.
func customizeOVMFVars(keys *SecureBootKeys, ovmfVarsPath, outputPath string) error {
	if _, err := exec.LookPath("virt-fw-vars"); err != nil {
		return errors.New(
			"virt-fw-vars not found. Install it with: dnf install -y python3-virt-firmware")
	}
	out, err := exec.Command("virt-fw-vars",
		"--input", ovmfVarsPath,
		"--secure-boot",
		"--set-pk", keys.GUID, keys.PKCert,
		"--add-kek", keys.GUID, keys.KEKCert,
		"--add-db", keys.GUID, keys.DBCert,
		"-o", outputPath).CombinedOutput()
	if err != nil {
		return errors.Errorf("failed to customize OVMF variables: %s", out)
	}
	return nil
}

// SetupSecureBoot loads the keys and materializes (or reuses) the
// customized variables template next to them.
func SetupSecureBoot(keyDir string) (*SecureBootConfig, error) {
	plog.Infof("loading secure boot keys from %s", keyDir)
	keys, err := LoadSecureBootKeys(keyDir)
	if err != nil {
		return nil, err
	}

	varsTemplate := filepath.Join(keyDir, "OVMF_VARS_CUSTOM.fd")
	if _, err := os.Stat(varsTemplate); err != nil {
		ovmfVars, err := findOVMFVars()
		if err != nil {
			return nil, err
		}
		plog.Infof("creating custom OVMF_VARS template with enrolled keys")
		if err := customizeOVMFVars(keys, ovmfVars, varsTemplate); err != nil {
			return nil, err
		}
	}

	return &SecureBootConfig{
		KeyDir:       keyDir,
		VarsTemplate: varsTemplate,
		GUID:         keys.GUID,
	}, nil
}

// ovmfLocations are the distro-dependent directories of edk2 firmware.
var ovmfLocations = []string{
	"/usr/share/edk2/ovmf",
	"/usr/share/OVMF",
	"/usr/share/qemu",
	"/usr/share/edk2-ovmf",
}

func findOVMFFile(name string) (string, error) {
	for _, dir := range ovmfLocations {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.Errorf("could not find %s. Please install the edk2-ovmf package.", name)
}

func findOVMFVars() (string, error) {
	return findOVMFFile("OVMF_VARS.fd")
}

// FindOVMFCodeSecboot locates the secure boot firmware code image.
func FindOVMFCodeSecboot() (string, error) {
	return findOVMFFile("OVMF_CODE.secboot.fd")
}
