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

// Package images resolves container image references through the local
// container store.
package images

import (
	"encoding/json"
	osexec "os/exec"
	"strconv"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/go-containerregistry/pkg/name"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/coreos/bcvk/system/exec"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/bcvk", "images")

// Engine is the container engine CLI used for local store queries.
var Engine = "podman"

// Inspect is the subset of `podman image inspect` output we consume.
type Inspect struct {
	// Digest is the content digest, stable across pulls of the same
	// image ("sha256:...").
	Digest digest.Digest `json:"Digest"`
	// Size is the decompressed size in bytes, used for installer disk
	// sizing heuristics.
	Size uint64 `json:"Size"`
}

// parseInspectOutput decodes the engine's inspect JSON, which is an
// array with one entry per inspected image.
func parseInspectOutput(buf []byte) (*Inspect, error) {
	var entries []Inspect
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, errors.Wrap(err, "parsing image inspect JSON")
	}
	if len(entries) == 0 {
		return nil, errors.New("image inspect returned no entries")
	}
	info := entries[0]
	if err := info.Digest.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid image digest %q", info.Digest)
	}
	return &info, nil
}

// InspectImage resolves an image reference to its digest and size via
// the local container store.
func InspectImage(imageRef string) (*Inspect, error) {
	// Validate the reference shape up front for a clearer error than
	// the engine's.
	if _, err := name.ParseReference(imageRef, name.WeakValidation); err != nil {
		return nil, errors.Wrapf(err, "invalid image reference %q", imageRef)
	}

	out, err := exec.Command(Engine, "image", "inspect", imageRef).Output()
	if err != nil {
		if eerr, ok := err.(*osexec.ExitError); ok {
			return nil, errors.Errorf("inspecting image %s: %s", imageRef, strings.TrimSpace(string(eerr.Stderr)))
		}
		return nil, errors.Wrapf(err, "inspecting image %s", imageRef)
	}
	info, err := parseInspectOutput(out)
	if err != nil {
		return nil, errors.Wrapf(err, "inspecting image %s", imageRef)
	}
	plog.Debugf("resolved %s to %s (%d bytes)", imageRef, info.Digest, info.Size)
	return info, nil
}

// GetImageSize returns the decompressed size of an image in bytes.
func GetImageSize(imageRef string) (uint64, error) {
	info, err := InspectImage(imageRef)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// VMNameFromImage derives a hypervisor-safe name from an image
// reference: the path's final component with the tag removed and
// anything outside [A-Za-z0-9_-] replaced with '-'.
func VMNameFromImage(imageRef string) string {
	base := imageRef
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.IndexByte(base, ':'); idx >= 0 {
		base = base[:idx]
	}
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, base)
	if sanitized == "" {
		sanitized = "bootc"
	}
	return sanitized
}

// UniqueVMName derives a name from the image reference that does not
// collide with any existing domain, appending -2, -3, ... as needed.
func UniqueVMName(imageRef string, existing []string) string {
	base := VMNameFromImage(imageRef)
	taken := make(map[string]bool, len(existing))
	for _, n := range existing {
		taken[n] = true
	}
	candidate := base
	for counter := 2; taken[candidate]; counter++ {
		candidate = base + "-" + strconv.Itoa(counter)
	}
	return candidate
}
