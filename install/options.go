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

// Package install holds the options shared by all disk installation
// paths, and the content fingerprint derived from them.
package install

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/spf13/pflag"
)

// cacheHashVersion is bumped whenever a change to the serialized form
// would invalidate hashes of previously generated disks. New optional
// fields whose absent form serializes to nothing do not require a bump.
const cacheHashVersion = 1

// Options are the knobs that influence the bytes of a generated disk,
// plus the storage path used to locate the source image (which does not
// and must not affect the fingerprint).
type Options struct {
	// Filesystem overrides the bootc image default root filesystem
	// (e.g. ext4, xfs, btrfs).
	Filesystem string
	// RootSize is a human readable root filesystem size such as "10G".
	RootSize string
	// StoragePath locates the host container storage. It only affects
	// where the source image is found, never the generated disk, and
	// is excluded from serialization.
	StoragePath string
	// Kargs are kernel arguments baked into the installation, in order.
	Kargs []string
	// ComposefsNative selects composefs-native storage.
	ComposefsNative bool
	// TargetTransport is the transport for image pulling, e.g.
	// "containers-storage". Set programmatically, not via flags.
	TargetTransport string
}

// AddFlags registers the user-facing installation flags.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Filesystem, "filesystem", "", "Root filesystem type (e.g. ext4, xfs, btrfs)")
	fs.StringVar(&o.RootSize, "root-size", "", "Root filesystem size (e.g. '10G', '5120M')")
	fs.StringVar(&o.StoragePath, "storage-path", "", "Path to host container storage (auto-detected if not specified)")
	fs.StringArrayVar(&o.Kargs, "karg", nil, "Set a kernel argument")
	fs.BoolVar(&o.ComposefsNative, "composefs-native", false, "Default to composefs-native storage")
}

// fingerprintInputs is the canonical serialized form that the cache
// fingerprint is computed over. Field order is part of the wire format;
// absent optionals must be omitted entirely (not emitted as null) so
// that hashes stay stable when optional fields are introduced.
type fingerprintInputs struct {
	ImageDigest     string   `json:"image_digest"`
	Filesystem      string   `json:"filesystem,omitempty"`
	RootSize        string   `json:"root_size,omitempty"`
	Kargs           []string `json:"karg,omitempty"`
	ComposefsNative bool     `json:"composefs_native"`
	TargetTransport string   `json:"target_transport,omitempty"`
	Version         uint32   `json:"version"`
}

// Fingerprint computes the content hash of all inputs that affect the
// generated disk, as "sha256:<hex>". Only the Options fields copied
// into fingerprintInputs affect the hash; StoragePath does not.
func (o *Options) Fingerprint(imageDigest string) string {
	inputs := fingerprintInputs{
		ImageDigest:     imageDigest,
		Filesystem:      o.Filesystem,
		RootSize:        o.RootSize,
		Kargs:           o.Kargs,
		ComposefsNative: o.ComposefsNative,
		TargetTransport: o.TargetTransport,
		Version:         cacheHashVersion,
	}
	// An empty-but-non-nil slice must hash identically to nil.
	if len(inputs.Kargs) == 0 {
		inputs.Kargs = nil
	}
	buf, err := json.Marshal(&inputs)
	if err != nil {
		// Marshaling a struct of strings cannot fail.
		panic(err)
	}
	return fmt.Sprintf("sha256:%x", sha256.Sum256(buf))
}

// BootcArgs returns the bootc install arguments for these options.
func (o *Options) BootcArgs() []string {
	var args []string
	if o.TargetTransport != "" {
		args = append(args, "--target-transport", o.TargetTransport)
	}
	if o.Filesystem != "" {
		args = append(args, "--filesystem", o.Filesystem)
	}
	if o.RootSize != "" {
		args = append(args, "--root-size", o.RootSize)
	}
	for _, karg := range o.Kargs {
		args = append(args, fmt.Sprintf("--karg=%s", karg))
	}
	if o.ComposefsNative {
		args = append(args, "--composefs-native")
	}
	return args
}
