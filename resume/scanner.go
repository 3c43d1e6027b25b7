/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package resume

import (
	"path/filepath"

	"github.com/gomlx/autoresume/support/fsutil"
)

// FindCheckpoint scans `dir/<checkpointDir>/` for each configured checkpoint
// filename, in priority order, and returns the path of the first one that
// exists. A miss (no subdirectory, or none of the names present) is a normal
// negative result, not an error: callers decide whether it is fatal.
//
// Checkpoint ownership is directory-scoped: there is deliberately no deep
// search across unrelated directories.
func (h *Handler) FindCheckpoint(dir string) (string, bool) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	for _, name := range h.config.checkpointNames {
		candidate := filepath.Join(dir, h.config.checkpointDir, name)
		if fsutil.IsRegular(candidate) {
			return candidate, true
		}
	}
	return "", false
}
