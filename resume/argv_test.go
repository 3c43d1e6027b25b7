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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteNoResume(t *testing.T) {
	h := newTestHandler(t)
	argv := []string{"trainer", "model=resnet", "trainer.max_epochs=10"}
	newArgv, err := h.Rewrite(argv)
	require.NoError(t, err)
	assert.Equal(t, argv, newArgv)
}

func TestRewriteDirectory(t *testing.T) {
	h := newTestHandler(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "checkpoints", "last.ckpt"), "w")
	ckpt := filepath.Join(dir, "checkpoints", "last.ckpt")

	argv := []string{"trainer", "resume=" + dir, "model=resnet"}
	newArgv, err := h.Rewrite(argv)
	require.NoError(t, err)

	assert.NotContains(t, newArgv, "resume="+dir,
		"the resume token must never reach the composition engine")
	assert.Equal(t, []string{
		"trainer",
		"ckpt_path=" + ckpt,
		"run_dir=" + dir,
		"model=resnet",
	}, newArgv, "injected overrides must precede the user's own arguments")
}

func TestRewriteIdempotent(t *testing.T) {
	artifactDir := t.TempDir()
	writeFile(t, filepath.Join(artifactDir, "epoch10.ckpt"), "weights")
	fake := &fakeRegistry{
		overrides:   []Override{{Key: "model.lr", Value: "0.01"}},
		artifactDir: artifactDir,
	}
	h := Build().Registry(fake).StageDir(filepath.Join(t.TempDir(), "stage")).MustDone()

	argv := []string{"trainer", "resume=abc123", "trainer.max_epochs=10"}
	first, err := h.Rewrite(argv)
	require.NoError(t, err)
	// Restore the artifact consumed by staging, so the second resolution sees
	// the same filesystem snapshot.
	writeFile(t, filepath.Join(artifactDir, "epoch10.ckpt"), "weights")
	second, err := h.Rewrite(argv)
	require.NoError(t, err)
	assert.Equal(t, first, second, "rewriting the same original argv must be deterministic")
}

func TestRewriteUserKeysWin(t *testing.T) {
	artifactDir := t.TempDir()
	writeFile(t, filepath.Join(artifactDir, "epoch10.ckpt"), "weights")
	fake := &fakeRegistry{
		overrides: []Override{
			{Key: "model.lr", Value: "0.01"},
			{Key: "model.lr", Value: "0.02"}, // duplicate: first one wins
			{Key: "trainer.max_epochs", Value: "100"},
		},
		artifactDir: artifactDir,
	}
	h := Build().Registry(fake).StageDir(filepath.Join(t.TempDir(), "stage")).MustDone()

	argv := []string{"trainer", "resume=abc123", "trainer.max_epochs=10"}
	newArgv, err := h.Rewrite(argv)
	require.NoError(t, err)

	assert.NotContains(t, newArgv, "trainer.max_epochs=100",
		"a key the user supplied explicitly is never injected")
	assert.Contains(t, newArgv, "model.lr=0.01")
	assert.NotContains(t, newArgv, "model.lr=0.02")
	assert.Equal(t, "trainer.max_epochs=10", newArgv[len(newArgv)-1],
		"user arguments stay last, so they win downstream")
}

func TestRewriteExplicitBeatsFetchedOverride(t *testing.T) {
	artifactDir := t.TempDir()
	writeFile(t, filepath.Join(artifactDir, "epoch10.ckpt"), "weights")
	stageDir := filepath.Join(t.TempDir(), "stage")
	fake := &fakeRegistry{
		// The fetched config itself names a (stale) checkpoint path.
		overrides:   []Override{{Key: "ckpt_path", Value: "/stale/old.ckpt"}},
		artifactDir: artifactDir,
	}
	h := Build().Registry(fake).StageDir(stageDir).MustDone()

	newArgv, err := h.Rewrite([]string{"trainer", "resume=abc123"})
	require.NoError(t, err)

	staged := filepath.Join(stageDir, "wandb.ckpt")
	assert.Contains(t, newArgv, "ckpt_path="+staged)
	assert.NotContains(t, newArgv, "ckpt_path=/stale/old.ckpt")
}

func TestRewriteMultirun(t *testing.T) {
	h := newTestHandler(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "multirun.yaml"), "sweep: {}\n")

	newArgv, err := h.Rewrite([]string{"trainer", "resume=" + dir})
	require.NoError(t, err)
	assert.Equal(t, []string{"trainer", "-m", "sweep_dir=" + dir}, newArgv)

	// The flag is not duplicated if the invocation already carries it.
	newArgv, err = h.Rewrite([]string{"trainer", "-m", "resume=" + dir})
	require.NoError(t, err)
	assert.Equal(t, []string{"trainer", "sweep_dir=" + dir, "-m"}, newArgv)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "model.lr", normalizeKey("model.lr=0.1"))
	assert.Equal(t, "model.lr", normalizeKey("+model.lr=0.1"))
	assert.Equal(t, "model.lr", normalizeKey("++model.lr=0.1"))
	assert.Equal(t, "model.lr", normalizeKey("~model.lr=0.1"))
	assert.Equal(t, "", normalizeKey("-m"))
}
