// Copyright 2026 The gVisor Authors.
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

package log

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ExpandPattern replaces every %NAME% in pattern with vars[NAME].
// Unknown variables are left in place.
func ExpandPattern(pattern string, vars map[string]string) string {
	var oldnew []string
	for _, name := range slices.Sorted(maps.Keys(vars)) {
		oldnew = append(oldnew, "%"+name+"%", vars[name])
	}
	return strings.NewReplacer(oldnew...).Replace(pattern)
}

// OpenFile opens the log file named by logPattern with vars expanded, creating
// its parent directory if needed. It returns nil if logPattern is empty.
func OpenFile(logPattern string, flags int, vars map[string]string) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}
	logPath := ExpandPattern(logPattern, vars)

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %w", dir, err)
	}
	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %w", logPath, err)
	}
	return f, nil
}
