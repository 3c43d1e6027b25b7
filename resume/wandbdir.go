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
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/autoresume/support/fsutil"
)

// recoverRunID attempts to recover the wandb run id a log directory was
// logging under, from the `wandb/` metadata directory the client leaves
// behind. Best effort: an empty string means no id could be recovered, which
// is never an error.
//
// It prefers the `latest-run` symlink, falling back to the most recently
// modified run directory. Run directories are named `run-<timestamp>-<id>`.
func (h *Handler) recoverRunID(dir string) string {
	dir = fsutil.MustReplaceTildeInDir(dir)
	// Accept the checkpoints subdirectory or a checkpoint file as starting point.
	if filepath.Base(dir) == h.config.checkpointDir {
		dir = filepath.Dir(dir)
	}
	if fsutil.IsRegular(dir) {
		dir = filepath.Dir(dir)
	}

	wandbDir := filepath.Join(dir, "wandb")
	var runDir string
	if resolved, err := filepath.EvalSymlinks(filepath.Join(wandbDir, "latest-run")); err == nil {
		runDir = resolved
	} else {
		entries, err := os.ReadDir(wandbDir)
		if err != nil {
			return ""
		}
		var latest os.FileInfo
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if latest == nil || info.ModTime().After(latest.ModTime()) {
				latest = info
			}
		}
		if latest == nil {
			return ""
		}
		runDir = filepath.Join(wandbDir, latest.Name())
	}

	name := filepath.Base(runDir)
	sep := strings.LastIndex(name, "-")
	if sep < 0 || sep == len(name)-1 {
		return ""
	}
	return name[sep+1:]
}
