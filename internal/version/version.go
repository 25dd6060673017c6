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

package version

import (
	"fmt"
	"strconv"
)

// These are populated at build time via ldflags, which can only set
// strings
var (
	Version    = "devel"
	CommitHash = "unknown"
	Branch     = "unknown"
	// CommitDate is the unix timestamp of the commit that produced this
	// build. Used by the worker scorer's version grace window.
	CommitDate = ""
)

// CommitUnix returns CommitDate as a unix timestamp, 0 when unset or
// unparseable
func CommitUnix() int64 {
	ts, err := strconv.ParseInt(CommitDate, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func GetVersionString() string {
	if Version != "" {
		return fmt.Sprintf("%s (commit %s)", Version, CommitHash)
	}
	return fmt.Sprintf("devel (commit %s)", CommitHash)
}
