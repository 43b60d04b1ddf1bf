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

// Package supervisor observes the VM-host supervisor's status file and
// publishes readiness transitions to callers.
//
// The supervisor inside the VM-host container maintains a JSON status
// record; this package models that record, implements the subprocess
// that streams changes (one JSON object per line on stdout), and the
// wait APIs consuming that stream.
package supervisor

import (
	"encoding/json"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/bcvk", "supervisor")

// StatusFile is where the VM-host supervisor writes its status record.
// Readers treat each update as an atomic replacement.
const StatusFile = "/run/supervisor-status.json"

// ContainerStateDir holds bcvk state inside the VM-host container,
// including the entrypoint binary re-invoked for status monitoring.
const ContainerStateDir = "/var/lib/bcvk"

// StateKind enumerates the guest-reported boot states.
type StateKind int

const (
	// StateWaitingForSystemd means the guest has not reached systemd.
	StateWaitingForSystemd StateKind = iota
	// StateReachedTarget carries the name of a reached systemd target.
	StateReachedTarget
	// StateReady means the guest reported boot completion.
	StateReady
)

// State is the guest-reported boot state: a bare string for
// "WaitingForSystemd"/"Ready", or {"ReachedTarget": "<name>"}.
type State struct {
	Kind   StateKind
	Target string
}

// UnmarshalJSON accepts both the bare-string and the single-key-object
// encodings.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		switch str {
		case "WaitingForSystemd":
			s.Kind = StateWaitingForSystemd
		case "Ready":
			s.Kind = StateReady
		default:
			return errors.Errorf("unknown supervisor state %q", str)
		}
		return nil
	}
	var obj struct {
		ReachedTarget *string `json:"ReachedTarget"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrap(err, "parsing supervisor state")
	}
	if obj.ReachedTarget == nil {
		return errors.Errorf("unknown supervisor state %s", data)
	}
	s.Kind = StateReachedTarget
	s.Target = *obj.ReachedTarget
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (s State) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case StateWaitingForSystemd:
		return json.Marshal("WaitingForSystemd")
	case StateReady:
		return json.Marshal("Ready")
	case StateReachedTarget:
		return json.Marshal(map[string]string{"ReachedTarget": s.Target})
	default:
		return nil, errors.Errorf("unknown state kind %d", s.Kind)
	}
}

func (s State) String() string {
	switch s.Kind {
	case StateWaitingForSystemd:
		return "WaitingForSystemd"
	case StateReady:
		return "Ready"
	case StateReachedTarget:
		return "ReachedTarget(" + s.Target + ")"
	default:
		return "unknown"
	}
}

// Status is one record from the supervisor. A nil State means the
// target does not support readiness notification; polling SSH is the
// only option in that case. SSHAccess flips to true once the
// port-forwarded SSH endpoint has accepted at least one connection.
type Status struct {
	State     *State `json:"state,omitempty"`
	SSHAccess bool   `json:"ssh_access"`
}

// ParseStatus decodes one status line.
func ParseStatus(line []byte) (*Status, error) {
	var st Status
	if err := json.Unmarshal(line, &st); err != nil {
		return nil, errors.Wrapf(err, "failed to parse monitor output as JSON: %s", line)
	}
	return &st, nil
}

// Progress receives human-readable boot progress updates. The terminal
// renderer lives outside this module.
type Progress interface {
	SetMessage(msg string)
}

// NopProgress discards updates.
type NopProgress struct{}

func (NopProgress) SetMessage(string) {}
