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

package cloudinit

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMetaData(t *testing.T) {
	c := &Config{}
	buf, err := c.metaData()
	if err != nil {
		t.Fatal(err)
	}
	var meta map[string]string
	if err := json.Unmarshal(buf, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["uuid"] != "iid-local01" {
		t.Errorf("uuid = %q", meta["uuid"])
	}
	if _, ok := meta["hostname"]; ok {
		t.Error("hostname present without configuration")
	}

	c = &Config{Hostname: "testvm"}
	buf, err = c.metaData()
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(buf, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["hostname"] != "testvm" {
		t.Errorf("hostname = %q", meta["hostname"])
	}
}

func TestValidateUserData(t *testing.T) {
	for _, tt := range []struct {
		name     string
		userData string
		ok       bool
	}{
		{"empty", "", true},
		{"cloud config", "#cloud-config\nruncmd:\n  - echo MARKER\n", true},
		{"script", "#!/bin/sh\necho hi\n", true},
		{"broken yaml", "#cloud-config\nruncmd: [unclosed\n", false},
	} {
		err := (&Config{UserData: tt.userData}).Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestFilterKernelArgs(t *testing.T) {
	kargs := []string{"console=ttyS0", "ds=iid-datasource-none", "quiet"}

	got := FilterKernelArgs(kargs, true)
	want := []string{"console=ttyS0", "quiet"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FilterKernelArgs(drive) = %v", got)
	}

	got = FilterKernelArgs(kargs, false)
	if !reflect.DeepEqual(got, kargs) {
		t.Errorf("FilterKernelArgs(no drive) = %v", got)
	}
}

func TestDefaultKernelArgs(t *testing.T) {
	if args := DefaultKernelArgs(true); args != nil {
		t.Errorf("with drive = %v", args)
	}
	if args := DefaultKernelArgs(false); len(args) != 1 || args[0] != "ds=iid-datasource-none" {
		t.Errorf("without drive = %v", args)
	}
}
