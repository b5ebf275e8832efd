// Copyright 2019 The gVisor Authors.
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

package hostmm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

const (
	mountsPath  = "/proc/self/mounts"
	cgroupsPath = "/proc/self/cgroup"
)

// currentCgroupDirectory returns the directory for the cgroup for the given
// controller in which the calling process resides.
func currentCgroupDirectory(ctrl string) (string, error) {
	mounts, err := os.Open(mountsPath)
	if err != nil {
		return "", err
	}
	defer mounts.Close()
	root, err := cgroupRootDirectory(mounts, ctrl)
	if err != nil {
		return "", fmt.Errorf("%s: %w", mountsPath, err)
	}

	cgroups, err := os.Open(cgroupsPath)
	if err != nil {
		return "", err
	}
	defer cgroups.Close()
	cg, err := currentCgroup(cgroups, ctrl)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cgroupsPath, err)
	}
	return path.Join(root, cg), nil
}

// cgroupRootDirectory returns the root directory for the cgroup hierarchy in
// which the given cgroup controller is mounted, given the contents of
// /proc/self/mounts.
func cgroupRootDirectory(mounts io.Reader, ctrl string) (string, error) {
	// Per proc(5) -> fstab(5):
	// Each line of /proc/self/mounts describes a mount.
	scanner := bufio.NewScanner(mounts)
	for scanner.Scan() {
		// Each line consists of 6 space-separated fields. Find the line for
		// which the third field (fs_vfstype) is cgroup, and the fourth field
		// (fs_mntops, a comma-separated list of mount options) contains
		// ctrl.
		var spec, file, vfstype, mntopts, freq, passno string
		const nrfields = 6
		line := scanner.Text()
		n, err := fmt.Sscan(line, &spec, &file, &vfstype, &mntopts, &freq, &passno)
		if err != nil {
			return "", fmt.Errorf("failed to parse line %q: %w", line, err)
		}
		if n != nrfields {
			return "", fmt.Errorf("failed to parse line %q: got %d fields, wanted %d", line, n, nrfields)
		}
		if vfstype != "cgroup" {
			continue
		}
		for _, mntopt := range strings.Split(mntopts, ",") {
			if mntopt == ctrl {
				return file, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no cgroup hierarchy mounted for controller %s", ctrl)
}

// currentCgroup returns the cgroup for the given controller, given the
// contents of /proc/self/cgroup. The returned string is a path that should be
// interpreted as relative to cgroupRootDirectory(ctrl).
func currentCgroup(cgroups io.Reader, ctrl string) (string, error) {
	// Per proc(5) -> cgroups(7):
	// Each line of /proc/self/cgroups describes a cgroup hierarchy.
	scanner := bufio.NewScanner(cgroups)
	for scanner.Scan() {
		// Each line consists of 3 colon-separated fields. Find the line for
		// which the second field (controller-list, a comma-separated list of
		// cgroup controllers) contains ctrl.
		line := scanner.Text()
		const nrfields = 3
		fields := strings.SplitN(line, ":", nrfields)
		if len(fields) != nrfields {
			return "", fmt.Errorf("failed to parse line %q: got %d fields, wanted %d", line, len(fields), nrfields)
		}
		for _, controller := range strings.Split(fields[1], ",") {
			if controller == ctrl {
				return fields[2], nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("not a member of a cgroup hierarchy for controller %s", ctrl)
}
