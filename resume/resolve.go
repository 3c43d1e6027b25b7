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
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/autoresume/support/fsutil"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Resolve classifies the raw resume value and turns it into a Plan. An empty
// value yields an empty Plan. Any unrecoverable condition -- run unknown to
// the registry, a directory with no checkpoint, an artifact missing the
// expected file -- returns a ResolutionError and must abort startup.
func (h *Handler) Resolve(raw string) (*Plan, error) {
	kind := h.Classify(raw)
	switch kind {
	case KindNone:
		return &Plan{}, nil
	case KindWandbRunID:
		return h.resolveWandbRun(raw)
	case KindCheckpointFile:
		return h.resolveCheckpointFile(raw)
	case KindLogDirectory:
		return h.resolveDirectory(raw)
	case KindMultirunDirectory:
		return h.resolveMultirun(raw)
	default:
		return nil, resolutionErrorf(kind, raw, "unhandled resume kind %d", kind)
	}
}

// resolveWandbRun fetches the run's historical overrides and latest model
// artifact from the registry, stages the checkpoint under a fixed name, and
// mints a fresh run identifier: registry resumption starts a new logical run
// carrying over weights and config, it never continues the old run's logging
// stream.
func (h *Handler) resolveWandbRun(raw string) (*Plan, error) {
	if h.config.registry == nil {
		return nil, resolutionErrorf(KindWandbRunID, raw, "no run-registry client configured")
	}
	klog.Infof("Resuming from run id %q", raw)

	overrides, err := h.config.registry.RunConfig(raw)
	if err != nil {
		return nil, wrapResolution(KindWandbRunID, raw, err)
	}

	artifactDir, err := h.config.registry.DownloadLatestArtifact(
		raw, h.config.artifactType, h.config.artifactAlias)
	if err != nil {
		return nil, wrapResolution(KindWandbRunID, raw, err)
	}
	matches, err := filepath.Glob(filepath.Join(artifactDir, h.config.ckptGlob))
	if err != nil {
		return nil, wrapResolution(KindWandbRunID, raw,
			errors.Wrapf(err, "bad checkpoint glob %q", h.config.ckptGlob))
	}
	if len(matches) == 0 {
		return nil, resolutionErrorf(KindWandbRunID, raw,
			"artifact downloaded to %q contains no file matching %q", artifactDir, h.config.ckptGlob)
	}

	staged, err := h.stageCheckpoint(matches[0])
	if err != nil {
		return nil, wrapResolution(KindWandbRunID, raw, err)
	}
	klog.V(1).Infof("staged registry checkpoint at %q", staged)

	return &Plan{
		CkptPath:  staged,
		WandbID:   h.mintRunID(),
		Overrides: overrides,
	}, nil
}

// resolveCheckpointFile takes the file verbatim: a fresh run with today's
// configuration, initialized from those weights.
func (h *Handler) resolveCheckpointFile(raw string) (*Plan, error) {
	path, err := filepath.Abs(fsutil.MustReplaceTildeInDir(raw))
	if err != nil {
		return nil, wrapResolution(KindCheckpointFile, raw, err)
	}
	klog.Infof("Resuming from checkpoint file %q", path)
	return &Plan{CkptPath: path}, nil
}

// resolveDirectory resumes a previous run in-place: the directory's own
// checkpoint, its recovered run id if any, and the job pinned back into the
// same directory. Today's configuration is reused, so no overrides are
// carried over.
func (h *Handler) resolveDirectory(raw string) (*Plan, error) {
	dir, err := filepath.Abs(fsutil.MustReplaceTildeInDir(raw))
	if err != nil {
		return nil, wrapResolution(KindLogDirectory, raw, err)
	}
	ckpt, found := h.FindCheckpoint(dir)
	if !found {
		return nil, resolutionErrorf(KindLogDirectory, raw,
			"no checkpoint named %v under %q", h.config.checkpointNames,
			filepath.Join(dir, h.config.checkpointDir))
	}
	klog.Infof("Resuming in-place from directory %q (checkpoint %q)", dir, ckpt)

	h.backupSnapshot(dir)

	plan := &Plan{
		CkptPath: ckpt,
		RunDir:   dir,
	}
	if id := h.recoverRunID(dir); id != "" {
		klog.V(1).Infof("recovered run id %q from %q", id, dir)
		plan.WandbID = id
	}
	return plan, nil
}

// resolveMultirun redirects the upcoming sweep at the existing sweep root, so
// new or continuing sub-jobs land in matching subdirectories. No single
// checkpoint is resolved here: each per-job directory is independently
// subject to the preemption guard or a per-job resume.
func (h *Handler) resolveMultirun(raw string) (*Plan, error) {
	dir, err := filepath.Abs(fsutil.MustReplaceTildeInDir(raw))
	if err != nil {
		return nil, wrapResolution(KindMultirunDirectory, raw, err)
	}
	marker := filepath.Join(dir, h.config.multirunMarker)
	contents, err := os.ReadFile(marker)
	if err != nil {
		return nil, wrapResolution(KindMultirunDirectory, raw,
			errors.Wrapf(err, "failed to read multirun marker %q", marker))
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(contents, &parsed); err != nil {
		return nil, wrapResolution(KindMultirunDirectory, raw,
			errors.Wrapf(err, "multirun marker %q is not valid YAML", marker))
	}
	klog.Infof("Resuming multirun sweep at %q", dir)
	return &Plan{SweepDir: dir, Multirun: true}, nil
}

// stageCheckpoint moves the downloaded checkpoint to the staging directory
// under the configured fixed name, so it never collides with the new run's
// own checkpoints.
func (h *Handler) stageCheckpoint(downloaded string) (string, error) {
	stageDir := fsutil.MustReplaceTildeInDir(h.config.stageDir)
	if err := os.MkdirAll(stageDir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "failed to create staging directory %q", stageDir)
	}
	target := filepath.Join(stageDir, h.config.stagedName)
	if err := os.Rename(downloaded, target); err != nil {
		// Rename fails across filesystems; fall back to a copy.
		if err := copyFile(downloaded, target); err != nil {
			return "", errors.Wrapf(err, "failed to stage checkpoint %q as %q", downloaded, target)
		}
	}
	return target, nil
}

// mintRunID returns a fresh 8-character run identifier. It is minted at most
// once per Handler, so resolving the same bootstrap twice yields the same
// plan. The resumed run's old identifier is deliberately never reused.
func (h *Handler) mintRunID() string {
	if h.mintedID == "" {
		h.mintedID = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return h.mintedID
}

// backupSnapshot copies the directory's composed-configuration snapshot to a
// timestamped sibling before the resumed job overwrites it. Failures only log:
// losing the backup must not block the resumption itself.
func (h *Handler) backupSnapshot(dir string) {
	snapshot := filepath.Join(dir, h.config.snapshotDir)
	if !fsutil.IsDir(snapshot) {
		return
	}
	backup := snapshot + ".old_" + time.Now().Format("20060102_150405")
	klog.Infof("Backing up previous run configuration to %q", backup)
	if err := copyTree(snapshot, backup); err != nil {
		klog.Warningf("failed to back up %q: %v", snapshot, err)
	}
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, DirPermMode)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", src)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to copy %q to %q", src, dst)
	}
	return out.Close()
}
