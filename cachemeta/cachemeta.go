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

// Package cachemeta stores and validates cache metadata on disk images
// using extended attributes. Two xattrs are maintained: the fingerprint
// of all build inputs (for cache validation) and the container image
// digest (for operator visibility).
package cachemeta

import (
	"os"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coreos/bcvk/install"
)

const (
	// CacheHashXattr holds the fingerprint of all build inputs.
	CacheHashXattr = "user.bootc.cache_hash"
	// ImageDigestXattr holds the source container image digest.
	ImageDigestXattr = "user.bootc.image_digest"
)

// Validation is the outcome of checking a disk against a request.
type Validation int

const (
	// Match means the disk was built from exactly these inputs.
	Match Validation = iota
	// MissingFile means the disk file does not exist.
	MissingFile
	// MissingXattr means the file exists but carries no cache metadata.
	MissingXattr
	// Mismatch means the cache metadata does not match the request.
	Mismatch
)

func (v Validation) String() string {
	switch v {
	case Match:
		return "match"
	case MissingFile:
		return "file is missing"
	case MissingXattr:
		return "missing extended attribute metadata"
	case Mismatch:
		return "hash mismatch"
	default:
		return "unknown"
	}
}

// Write sets both cache xattrs on the open disk file. It must only be
// called after the installer has exited successfully; a disk carrying
// the cache hash with incomplete content is a permanent bug. If the
// second attribute cannot be written the file must be considered
// corrupt and deleted by the caller.
func Write(f *os.File, imageDigest string, opts *install.Options) error {
	cacheHash := opts.Fingerprint(imageDigest)
	if err := unix.Fsetxattr(int(f.Fd()), CacheHashXattr, []byte(cacheHash), 0); err != nil {
		return errors.Wrapf(err, "setting %s on %s", CacheHashXattr, f.Name())
	}
	if err := unix.Fsetxattr(int(f.Fd()), ImageDigestXattr, []byte(imageDigest), 0); err != nil {
		return errors.Wrapf(err, "setting %s on %s", ImageDigestXattr, f.Name())
	}
	plog.Debugf("wrote cache hash %s and image digest %s to %s", cacheHash, imageDigest, f.Name())
	return nil
}

// WritePath is Write against a path; the file is opened for writing so
// the xattrs land on the final inode.
func WritePath(path string, imageDigest string, opts *install.Options) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "opening disk file %s", path)
	}
	defer f.Close()
	return Write(f, imageDigest, opts)
}

// readXattr returns the value of the named attribute, or ok=false when
// the attribute is absent. Absence is a valid "no cached metadata"
// answer, distinct from an I/O error.
func readXattr(path, name string) (string, bool, error) {
	sz, err := unix.Getxattr(path, name, nil)
	if err != nil {
		if err == unix.ENODATA {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "reading %s from %s", name, path)
	}
	buf := make([]byte, sz)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil {
		if err == unix.ENODATA {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "reading %s from %s", name, path)
	}
	buf = buf[:n]
	if !utf8.Valid(buf) {
		return "", false, errors.Errorf("invalid UTF-8 in xattr %s on %s", name, path)
	}
	return string(buf), true, nil
}

// ReadImageDigest returns the stored image digest, or "" when the file
// or attribute is absent.
func ReadImageDigest(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "stat %s", path)
	}
	digest, ok, err := readXattr(path, ImageDigestXattr)
	if err != nil {
		return "", err
	}
	if !ok {
		plog.Debugf("no image digest xattr found on %s", path)
		return "", nil
	}
	return digest, nil
}

// Check answers "is this disk the right one?" for the given inputs.
// Anything except Match means the caller should rebuild.
func Check(path string, imageDigest string, opts *install.Options) (Validation, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			plog.Debugf("disk image %s does not exist", path)
			return MissingFile, nil
		}
		return MissingFile, errors.Wrapf(err, "stat %s", path)
	}

	expected := opts.Fingerprint(imageDigest)
	cached, ok, err := readXattr(path, CacheHashXattr)
	if err != nil {
		return Mismatch, err
	}
	if !ok {
		plog.Debugf("no cache hash xattr found on %s", path)
		return MissingXattr, nil
	}
	if cached != expected {
		plog.Debugf("cached disk %s does not match; expected %s, found %s", path, expected, cached)
		return Mismatch, nil
	}
	plog.Infof("found cached disk image at %s matching cache hash %s", path, expected)
	return Match, nil
}
