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

package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// StatusWriter maintains the supervisor status file. Every update is
// an atomic replacement (write to a sibling temp file, rename), so
// readers never observe torn records. There is exactly one writer per
// VM-host container.
type StatusWriter struct {
	path string

	mu     sync.Mutex
	status Status
}

// NewStatusWriter creates a writer that has not published yet.
func NewStatusWriter(path string) *StatusWriter {
	return &StatusWriter{path: path}
}

func (w *StatusWriter) publish() error {
	buf, err := json.Marshal(&w.status)
	if err != nil {
		return errors.Wrap(err, "encoding supervisor status")
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return errors.Wrapf(err, "replacing %s", w.path)
	}
	return nil
}

// SetState publishes a new guest boot state.
func (w *StatusWriter) SetState(state State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := state
	w.status.State = &s
	return w.publish()
}

// SetSSHAccess records that the forwarded SSH endpoint accepted a
// connection.
func (w *StatusWriter) SetSSHAccess() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.SSHAccess = true
	return w.publish()
}

// EnsureDir creates the directory holding the status file.
func (w *StatusWriter) EnsureDir() error {
	return os.MkdirAll(filepath.Dir(w.path), 0o755)
}
