// Copyright 2020 Red Hat, Inc.
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

package system

import (
	"runtime"
)

// GetProcessors returns a count for the number of cores we should use;
// this value is appropriate to pass to qemu -smp for example.
func GetProcessors() uint {
	nproc := runtime.NumCPU()
	if nproc < 1 {
		nproc = 1
	}
	return uint(nproc)
}
