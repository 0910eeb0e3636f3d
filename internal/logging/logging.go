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


package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the level and destination of the process logger.
type Options struct {
	Level      string // trace, debug, info, warn, off
	File       string // empty writes to stderr
	MaxSizeMB  int
	MaxBackups int
}

// ParseLevel maps a configured level name onto logrus. "off" and the empty
// string report ok=false.
func ParseLevel(name string) (level log.Level, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "off", "none":
		return log.PanicLevel, false, nil
	case "trace":
		return log.TraceLevel, true, nil
	case "debug":
		return log.DebugLevel, true, nil
	case "info":
		return log.InfoLevel, true, nil
	case "warn", "warning":
		return log.WarnLevel, true, nil
	case "error":
		return log.ErrorLevel, true, nil
	}
	return log.InfoLevel, false, fmt.Errorf("unknown log level %q", name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the standard logrus logger. The returned closer releases
// the log file, if any.
func Setup(opts Options) (io.Closer, error) {
	level, enabled, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if !enabled {
		log.SetOutput(io.Discard)
		return nopCloser{}, nil
	}
	log.SetLevel(level)

	if opts.File == "" {
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		return nopCloser{}, nil
	}

	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   false,
	}
	log.SetOutput(w)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	return w, nil
}
