// Copyright 2025 Blink Labs Software
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

package container

import (
	"context"
	"strings"
	"sync"
)

// MockRunner records commands and returns scripted results. Used by
// tests and by CI mode, where no sibling containers exist.
type MockRunner struct {
	mutex    sync.Mutex
	Commands []string
	Restarts []string
	// ExecResult maps a command-line substring to its stdout. The
	// longest matching pattern wins.
	ExecResult map[string]string
	// ExecErr maps a command-line substring to a scripted failure
	ExecErr map[string]error
}

func NewMockRunner() *MockRunner {
	return &MockRunner{
		ExecResult: make(map[string]string),
		ExecErr:    make(map[string]error),
	}
}

func (r *MockRunner) Exec(
	_ context.Context,
	containerName string,
	args ...string,
) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	cmdLine := containerName + ": " + strings.Join(args, " ")
	r.Commands = append(r.Commands, cmdLine)
	var bestMatch string
	for pattern := range r.ExecErr {
		if strings.Contains(cmdLine, pattern) && len(pattern) > len(bestMatch) {
			bestMatch = pattern
		}
	}
	if bestMatch != "" {
		return "", r.ExecErr[bestMatch]
	}
	bestMatch = ""
	for pattern := range r.ExecResult {
		if strings.Contains(cmdLine, pattern) && len(pattern) > len(bestMatch) {
			bestMatch = pattern
		}
	}
	if bestMatch != "" {
		return r.ExecResult[bestMatch], nil
	}
	return "", nil
}

func (r *MockRunner) Restart(
	_ context.Context,
	containerName string,
) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Restarts = append(r.Restarts, containerName)
	return nil
}

func (r *MockRunner) Running(
	_ context.Context,
	_ string,
) (bool, error) {
	return true, nil
}

// CommandLog returns a copy of the recorded exec command lines
func (r *MockRunner) CommandLog() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ret := make([]string, len(r.Commands))
	copy(ret, r.Commands)
	return ret
}

// RestartLog returns a copy of the recorded restarts
func (r *MockRunner) RestartLog() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ret := make([]string, len(r.Restarts))
	copy(ret, r.Restarts)
	return ret
}
