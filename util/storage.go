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

package util

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DetectContainerStoragePath locates the host's container storage,
// preferring the rootless location when it exists.
func DetectContainerStoragePath() (string, error) {
	var candidates []string
	if home := os.Getenv("HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, ".local/share/containers/storage"))
	}
	candidates = append(candidates, "/var/lib/containers/storage")
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && st.IsDir() {
			return c, nil
		}
	}
	return "", errors.Errorf("no container storage found (checked %v)", candidates)
}

// ValidateContainerStoragePath checks a caller-provided storage path.
func ValidateContainerStoragePath(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "container storage path %s", path)
	}
	if !st.IsDir() {
		return errors.Errorf("container storage path %s is not a directory", path)
	}
	return nil
}
