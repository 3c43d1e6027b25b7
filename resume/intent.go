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
	"strings"

	"github.com/gomlx/autoresume/support/fsutil"
)

// Kind is the classified resumption mode of a resume value.
type Kind int

const (
	// KindNone means no resumption was requested.
	KindNone Kind = iota

	// KindWandbRunID means the value names a run in the remote registry.
	KindWandbRunID

	// KindCheckpointFile means the value is an existing checkpoint file.
	KindCheckpointFile

	// KindLogDirectory means the value is an existing log directory to
	// resume in-place.
	KindLogDirectory

	// KindMultirunDirectory means the value is an existing sweep root,
	// identified by its multirun marker file.
	KindMultirunDirectory
)

// String implements Stringer.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindWandbRunID:
		return "wandb-run-id"
	case KindCheckpointFile:
		return "checkpoint-file"
	case KindLogDirectory:
		return "log-directory"
	case KindMultirunDirectory:
		return "multirun-directory"
	default:
		return "invalid"
	}
}

// Classify decides which resumption mode applies to the raw resume value.
// It is total: every string maps to exactly one Kind. The decision order
// matters, since a value could superficially satisfy more than one rule:
//
//  1. Empty -> KindNone.
//  2. Existing directory containing the multirun marker -> KindMultirunDirectory.
//  3. Existing directory -> KindLogDirectory.
//  4. Existing file named with the checkpoint extension -> KindCheckpointFile.
//  5. Anything else -> KindWandbRunID, treated as an opaque remote identifier.
//
// Classification is side-effect free except for read-only filesystem checks,
// and is never cached: it reflects the filesystem at the moment of the call.
func (h *Handler) Classify(raw string) Kind {
	if raw == "" {
		return KindNone
	}
	path := fsutil.MustReplaceTildeInDir(raw)
	if fsutil.IsDir(path) {
		if fsutil.MustFileExists(filepath.Join(path, h.config.multirunMarker)) {
			return KindMultirunDirectory
		}
		return KindLogDirectory
	}
	if fsutil.IsRegular(path) && strings.HasSuffix(filepath.Base(path), h.config.checkpointExt) {
		return KindCheckpointFile
	}
	return KindWandbRunID
}
