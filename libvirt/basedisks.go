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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk/cachemeta"
	"github.com/coreos/bcvk/install"
	"github.com/coreos/bcvk/platform"
	"github.com/coreos/bcvk/todisk"
)

// Base disks are content-addressed immutable blobs: each is the
// installed contents of one (image digest, install options) pair,
// shared by every VM disk whose qcow2 backing file points at it.
// Reference counts are computed by scan, never stored; concurrent
// creation is resolved by atomic link-if-absent.

// baseDiskPrefix prefixes every base disk file name in the pool.
const baseDiskPrefix = "bootc-base-"

// shortHashLen is how many fingerprint hex characters appear in the
// file name.
const shortHashLen = 16

// BaseDiskName returns the pool file name for a fingerprint. Name
// collisions on the short hash are tolerable because the full
// fingerprint in the xattr is always revalidated.
func BaseDiskName(fingerprint string) string {
	hash := strings.TrimPrefix(fingerprint, "sha256:")
	if len(hash) > shortHashLen {
		hash = hash[:shortHashLen]
	}
	return baseDiskPrefix + hash + ".qcow2"
}

// IsBaseDiskName reports whether a pool file is a base disk.
func IsBaseDiskName(name string) bool {
	return strings.HasPrefix(name, baseDiskPrefix) && strings.HasSuffix(name, ".qcow2")
}

// PoolDir returns the directory of the default storage pool, queried
// from the hypervisor with fallbacks to the conventional user and
// system locations.
func (o *Options) PoolDir() string {
	if path, err := o.PoolPathXML(DefaultPool); err == nil {
		return path
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".local/share/libvirt/images")
	}
	return "/var/lib/libvirt/images"
}

// FindOrCreateBaseDisk returns the path of a base disk matching the
// inputs, installing one if needed. A present-but-mismatched file is
// deleted and rebuilt.
func (o *Options) FindOrCreateBaseDisk(runner todisk.Runner, sourceImage, imageDigest string, opts *install.Options) (string, error) {
	fingerprint := opts.Fingerprint(imageDigest)
	poolDir := o.PoolDir()
	if err := os.MkdirAll(poolDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating pool directory %s", poolDir)
	}
	baseDiskPath := filepath.Join(poolDir, BaseDiskName(fingerprint))

	v, err := cachemeta.Check(baseDiskPath, imageDigest, opts)
	if err != nil {
		return "", err
	}
	switch v {
	case cachemeta.Match:
		plog.Infof("found cached base disk: %s", baseDiskPath)
		return baseDiskPath, nil
	case cachemeta.MissingFile:
		// Nothing to clean up.
	default:
		plog.Infof("base disk exists but metadata doesn't match, will recreate")
		if err := os.Remove(baseDiskPath); err != nil {
			return "", errors.Wrapf(err, "failed to remove stale base disk %s", baseDiskPath)
		}
	}

	plog.Infof("creating base disk: %s", baseDiskPath)
	if err := o.createBaseDisk(runner, baseDiskPath, sourceImage, imageDigest, opts); err != nil {
		return "", err
	}
	return baseDiskPath, nil
}

// createBaseDisk installs the image into a unique temp file in the
// pool directory and atomically persists it to the final name. Losing
// the persist race to a concurrent creator is silent success; the
// loser's temp file is dropped.
func (o *Options) createBaseDisk(runner todisk.Runner, baseDiskPath, sourceImage, imageDigest string, opts *install.Options) error {
	poolDir := filepath.Dir(baseDiskPath)
	tmp, err := os.CreateTemp(poolDir, filepath.Base(baseDiskPath)+".*.tmp.qcow2")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file in %s", poolDir)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	diskSize := opts.RootSize
	if diskSize == "" {
		diskSize = DefaultDiskSize
	}
	err = todisk.Run(runner, &todisk.Options{
		SourceImage: sourceImage,
		TargetDisk:  tmpPath,
		Install:     *opts,
		DiskSize:    diskSize,
		Format:      platform.FormatQcow2,
		Memory:      DefaultMemory,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to install bootc to base disk %s", tmpPath)
	}

	// The installer wrote the metadata; trust but verify before the
	// file becomes visible under the content-addressed name.
	v, err := cachemeta.Check(tmpPath, imageDigest, opts)
	if err != nil {
		return errors.Wrap(err, "querying cached disk")
	}
	if v != cachemeta.Match {
		return errors.Errorf("generated disk metadata validation failed: %s", v)
	}

	// Atomic persist-if-absent: link(2) fails with EEXIST if another
	// process won the race, in which case our temp copy is dropped.
	if err := os.Link(tmpPath, baseDiskPath); err != nil {
		if os.IsExist(err) {
			plog.Debugf("base disk already created by another process: %s", baseDiskPath)
			return nil
		}
		return errors.Wrapf(err, "failed to persist base disk to %s", baseDiskPath)
	}

	// Make the new file visible to virsh. Failure is non-fatal: the
	// disk was created successfully.
	if err := o.PoolRefresh(DefaultPool); err != nil {
		plog.Debugf("failed to refresh libvirt storage pool: %v", err)
	}
	plog.Infof("successfully created and validated base disk: %s", baseDiskPath)
	return nil
}

// CloneFromBase produces <vmName>.qcow2 in the pool with the base disk
// as its qcow2 backing file.
func (o *Options) CloneFromBase(baseDiskPath, vmName string) (string, error) {
	poolDir := o.PoolDir()
	vmDiskName := vmName + ".qcow2"
	vmDiskPath := filepath.Join(poolDir, vmDiskName)

	// Refresh so libvirt knows about all files; the pool might not
	// exist yet, so errors are ignored.
	_ = o.PoolRefresh(DefaultPool)

	// Delete any prior volume of this name. "not found" is fine; a
	// volume that exists but cannot be deleted (in use) is fatal.
	if _, err := o.Virsh("vol-delete", "--pool", DefaultPool, vmDiskName); err != nil {
		msg := err.Error()
		if !strings.Contains(msg, "Storage volume not found") && !strings.Contains(msg, "no storage vol") {
			return "", errors.Wrapf(err, "failed to delete existing volume '%s'", vmDiskName)
		}
		plog.Debugf("volume %s doesn't exist in pool, will create it", vmDiskName)
	} else {
		plog.Infof("deleted existing disk volume: %s", vmDiskName)
	}

	// Also remove a stray file the pool never tracked.
	if _, err := os.Stat(vmDiskPath); err == nil {
		plog.Debugf("removing untracked disk file: %s", vmDiskPath)
		if err := os.Remove(vmDiskPath); err != nil {
			return "", errors.Wrapf(err, "failed to remove disk file %s", vmDiskPath)
		}
	}

	info, err := qemuImgInfo(baseDiskPath)
	if err != nil {
		return "", err
	}

	baseDiskName := filepath.Base(baseDiskPath)
	plog.Infof("creating VM disk with backing file: %s -> %s", baseDiskPath, vmDiskPath)
	if _, err := o.Virsh("vol-create-as", DefaultPool, vmDiskName,
		fmt.Sprintf("%d", info.VirtualSize),
		"--format", "qcow2",
		"--backing-vol", baseDiskName,
		"--backing-vol-format", "qcow2"); err != nil {
		return "", errors.Wrap(err, "failed to create VM disk with backing file")
	}
	return vmDiskPath, nil
}

// BaseDiskInfo describes one base disk in the pool.
type BaseDiskInfo struct {
	Path string `json:"path" yaml:"path"`
	// ImageDigest from the xattr; may be absent on foreign files.
	ImageDigest string `json:"image_digest,omitempty" yaml:"image_digest,omitempty"`
	SizeBytes   uint64 `json:"size,omitempty" yaml:"size,omitempty"`
	// RefCount is the number of VM disks backed by this base disk.
	RefCount int `json:"ref_count" yaml:"ref_count"`
}

// vmDiskPaths lists non-base volumes in the pool.
func (o *Options) vmDiskPaths() ([]string, error) {
	poolDir := o.PoolDir()
	names, err := o.VolList(DefaultPool)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, name := range names {
		if !IsBaseDiskName(name) {
			paths = append(paths, filepath.Join(poolDir, name))
		}
	}
	return paths, nil
}

// countReferences counts VM disks whose backing filename contains the
// base disk's name. A disk that cannot be inspected is conservatively
// counted as a reference so pruning stays safe; inspections use the
// force-share flag so running VMs don't block the scan.
func countReferences(baseDiskPath string, vmDisks []string) int {
	baseName := filepath.Base(baseDiskPath)
	count := 0
	for _, vmDisk := range vmDisks {
		info, err := qemuImgInfo(vmDisk)
		if err != nil {
			plog.Debugf("could not read disk info for %s, conservatively counting as a reference: %v", vmDisk, err)
			count++
			continue
		}
		if strings.Contains(info.BackingFilename, baseName) ||
			strings.Contains(info.FullBackingFilename, baseName) {
			count++
		}
	}
	return count
}

// ListBaseDisks reports every base disk in the pool with its size,
// recorded digest, and computed reference count.
func (o *Options) ListBaseDisks() ([]*BaseDiskInfo, error) {
	poolDir := o.PoolDir()
	vmDisks, err := o.vmDiskPaths()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(poolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading pool directory %s", poolDir)
	}

	var disks []*BaseDiskInfo
	for _, entry := range entries {
		if !IsBaseDiskName(entry.Name()) {
			continue
		}
		path := filepath.Join(poolDir, entry.Name())
		info := &BaseDiskInfo{Path: path}
		if digest, err := cachemeta.ReadImageDigest(path); err == nil {
			info.ImageDigest = digest
		}
		if st, err := entry.Info(); err == nil {
			info.SizeBytes = uint64(st.Size())
		}
		info.RefCount = countReferences(path, vmDisks)
		disks = append(disks, info)
	}
	return disks, nil
}

// PruneBaseDisks deletes every base disk with reference count zero,
// going through vol-delete so the pool stays consistent. With dryRun
// the intended deletions are printed without acting.
func (o *Options) PruneBaseDisks(dryRun bool) ([]string, error) {
	disks, err := o.ListBaseDisks()
	if err != nil {
		return nil, err
	}
	var pruned []string
	for _, disk := range disks {
		if disk.RefCount > 0 {
			continue
		}
		plog.Infof("base disk not referenced by any VM: %s", disk.Path)
		if dryRun {
			fmt.Printf("Would remove: %s\n", disk.Path)
		} else {
			name := filepath.Base(disk.Path)
			if _, err := o.Virsh("vol-delete", "--pool", DefaultPool, name); err != nil {
				return pruned, errors.Wrapf(err, "failed to delete base disk volume '%s'", name)
			}
			fmt.Printf("Removed: %s\n", disk.Path)
		}
		pruned = append(pruned, disk.Path)
	}
	return pruned, nil
}
