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


package daemon

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// BuildIgnoreFilter returns a predicate that reports names the engine must
// not insert. The lock file and the control files of the session are always
// ignored, then excludes (exact name, directory prefix or glob), then the
// gitignore style rules of ignoreFile inside workDir.
func BuildIgnoreFilter(workDir, ignoreFile string, excludes []string) func(name string, isDir bool) bool {
	var matcher *ignore.GitIgnore
	if ignoreFile != "" {
		path := ignoreFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			matcher = ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
		case !os.IsNotExist(err):
			log.WithError(err).WithField("path", path).Warn("filter: failed to read ignore file")
		}
	}

	return func(name string, isDir bool) bool {
		if name == LockFileName {
			return true
		}
		for _, exc := range excludes {
			if name == exc || strings.HasPrefix(name, exc+"/") {
				return true
			}
			if ok, _ := filepath.Match(exc, name); ok {
				return true
			}
		}
		if matcher == nil {
			return false
		}
		check := name
		if isDir {
			check += "/"
		}
		return matcher.MatchesPath(check)
	}
}
