// Copyright 2024 Rc2Compute Authors
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

package common

import (
	"path/filepath"
	"strings"
)

// SharedDir is the working directory subfolder holding project-level files.
const SharedDir = "shared"

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(path string) string {
	path = filepath.Clean(path)
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "." {
		return ""
	}
	return path
}

// RecordPath returns the working directory relative location of a file record.
func RecordPath(name string, shared bool) string {
	name = NormalizePath(name)
	if shared {
		return SharedDir + "/" + name
	}
	return name
}

// IsDotfile reports whether the base name of path starts with a dot.
func IsDotfile(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// ResolveInDir joins rel onto root and rejects results that escape root.
func ResolveInDir(root, rel string) (string, error) {
	rel = NormalizePath(rel)
	if rel == "" || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", ErrInvalidPath
	}
	return filepath.Join(root, rel), nil
}
