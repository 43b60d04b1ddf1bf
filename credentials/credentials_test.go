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

package credentials

import (
	"encoding/base64"
	"strings"
	"testing"
)

const stubkey = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQC..."

func TestKeyToRootTmpfilesD(t *testing.T) {
	expected := "d /root/.ssh 0750 - - -\nf+~ /root/.ssh/authorized_keys 700 - - - c3NoLXJzYSBBQUFBQjNOemFDMXljMkVBQUFBREFRQUJBQUFCQVFDLi4u\n"
	if got := KeyToRootTmpfilesD(stubkey); got != expected {
		t.Errorf("KeyToRootTmpfilesD = %q, want %q", got, expected)
	}
}

func TestForRootSSH(t *testing.T) {
	cred := ForRootSSH(stubkey)

	// Reverse the encoding to validate the credential format.
	v, ok := strings.CutPrefix(cred, "io.systemd.credential.binary:")
	if !ok {
		t.Fatalf("missing credential prefix: %q", cred)
	}
	v, ok = strings.CutPrefix(v, "tmpfiles.extra=")
	if !ok {
		t.Fatalf("missing credential name: %q", cred)
	}
	decoded, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != KeyToRootTmpfilesD(stubkey) {
		t.Errorf("decoded credential = %q", decoded)
	}
}

func TestGuestPathToUnitName(t *testing.T) {
	for _, tt := range []struct {
		path string
		want string
	}{
		{"/mnt/data", "mnt-data.mount"},
		{"/var/lib/data", "var-lib-data.mount"},
		{"/data", "data.mount"},
		{"/mnt/test-rw", `mnt-test\x2drw.mount`},
		{"/run/virtiofs-mnt-output", `run-virtiofs\x2dmnt\x2doutput.mount`},
	} {
		if got := GuestPathToUnitName(tt.path); got != tt.want {
			t.Errorf("GuestPathToUnitName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestGenerateMountUnit(t *testing.T) {
	u := GenerateMountUnit("hoststorage", "/run/virtiofs-mnt-hoststorage", true)
	for _, want := range []string{
		"What=hoststorage\n",
		"Where=/run/virtiofs-mnt-hoststorage\n",
		"Type=virtiofs\n",
		"Options=ro\n",
		"DefaultDependencies=no\n",
		"Before=local-fs.target umount.target\n",
		"After=systemd-remount-fs.service\n",
		"ConditionPathExists=!/etc/initrd-release\n",
		"Conflicts=umount.target\n",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("mount unit missing %q:\n%s", want, u)
		}
	}

	rw := GenerateMountUnit("output", "/mnt/out", false)
	if !strings.Contains(rw, "Options=rw\n") {
		t.Errorf("writable mount unit missing Options=rw:\n%s", rw)
	}
}

func TestForMountUnit(t *testing.T) {
	creds := ForMountUnit("output", "/mnt/out", false)
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}

	if !strings.HasPrefix(creds[0], "io.systemd.credential.binary:systemd.extra-unit.mnt-out.mount=") {
		t.Errorf("unit credential = %q", creds[0])
	}
	if !strings.HasPrefix(creds[1], "io.systemd.credential.binary:systemd.unit-dropin.local-fs.target~bcvk-mounts=") {
		t.Errorf("dropin credential = %q", creds[1])
	}

	// The drop-in must want the generated unit.
	payload := strings.SplitN(creds[1], "=", 2)[1]
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != "[Unit]\nWants=mnt-out.mount\n" {
		t.Errorf("dropin body = %q", decoded)
	}
}

func TestForVsockNotify(t *testing.T) {
	cred := ForVsockNotify(2, 12345)
	if cred != "io.systemd.credential:vmm.notify_socket=vsock-stream:2:12345" {
		t.Errorf("ForVsockNotify = %q", cred)
	}
}

func TestForStorageOpts(t *testing.T) {
	creds := ForStorageOpts()
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if !strings.HasPrefix(creds[0], "io.systemd.credential.binary:systemd.extra-unit.bcvk-storage-opts.service=") {
		t.Errorf("unit credential = %q", creds[0])
	}
	payload := strings.SplitN(creds[0], "=", 2)[1]
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(decoded), "STORAGE_OPTS=additionalimagestore=/run/host-container-storage") {
		t.Errorf("storage opts unit = %q", decoded)
	}
	if !strings.HasPrefix(creds[1], "io.systemd.credential.binary:systemd.unit-dropin.sysinit.target~bcvk-storage=") {
		t.Errorf("dropin credential = %q", creds[1])
	}
}

func TestSMBIOSValue(t *testing.T) {
	if got := SMBIOSValue("io.systemd.credential:x=y"); got != "type=11,value=io.systemd.credential:x=y" {
		t.Errorf("SMBIOSValue = %q", got)
	}
}
