/*
Copyright 2024 Netprobe Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// InitLogger configures the global logger for the given level.
func InitLogger(level log.Level) {
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	})
}

// InitLoggerForTests keeps test output quiet unless VERBOSE is set.
func InitLoggerForTests() {
	if os.Getenv("VERBOSE") != "" {
		InitLogger(log.DebugLevel)
		return
	}
	log.SetLevel(log.WarnLevel)
	log.SetOutput(io.Discard)
}

// NewComponentLogger returns a logger entry tagged with the component
// name, the way every package in this repo builds its logger.
func NewComponentLogger(component string) *log.Entry {
	return log.WithFields(log.Fields{
		"trace.component": component,
	})
}
