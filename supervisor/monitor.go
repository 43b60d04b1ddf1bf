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
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// MonitorStatus watches the supervisor status file and writes one JSON
// record per line to w for every observed change, starting with the
// current contents if present. This is the implementation of the
// `monitor-status` subcommand run inside the VM-host container; it
// only returns on error.
func MonitorStatus(statusPath string, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating filesystem watcher")
	}
	defer watcher.Close()

	// Watch the directory: the supervisor replaces the file atomically
	// via rename, which would drop a watch on the file itself.
	dir := filepath.Dir(statusPath)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}

	var last []byte
	emit := func() error {
		buf, err := os.ReadFile(statusPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrapf(err, "reading %s", statusPath)
		}
		buf = bytes.TrimSpace(buf)
		if len(buf) == 0 || bytes.Equal(buf, last) {
			return nil
		}
		// Validate before forwarding so consumers never see torn
		// writes.
		if _, err := ParseStatus(buf); err != nil {
			plog.Debugf("skipping unparseable status update: %v", err)
			return nil
		}
		last = append([]byte(nil), buf...)
		if _, err := w.Write(append(buf, '\n')); err != nil {
			return errors.Wrap(err, "writing status record")
		}
		return nil
	}

	if err := emit(); err != nil {
		return err
	}
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Clean(event.Name) != filepath.Clean(statusPath) {
				continue
			}
			if err := emit(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			return errors.Wrap(err, "filesystem watcher")
		}
	}
}
