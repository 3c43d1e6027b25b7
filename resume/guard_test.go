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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardOverridesComposedCkptPath(t *testing.T) {
	h := newTestHandler(t)
	outputDir := t.TempDir()
	writeFile(t, filepath.Join(outputDir, "checkpoints", "hpc_ckpt.ckpt"), "w")

	// The composed configuration already carries an explicit checkpoint, from
	// the bootstrap rewrite or from the user. Local preemption evidence wins.
	cfg := Composed{"ckpt_path": "other.ckpt", "trainer": map[string]any{"max_epochs": 10}}
	require.True(t, h.MaybeOverride(cfg, outputDir))

	got, ok := cfg.GetPath("ckpt_path")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(outputDir, "checkpoints", "hpc_ckpt.ckpt"), got)

	// Unrelated composed fields are untouched.
	epochs, ok := cfg.GetPath("trainer.max_epochs")
	require.True(t, ok)
	assert.Equal(t, 10, epochs)
}

func TestGuardNoEvidenceNoMutation(t *testing.T) {
	h := newTestHandler(t)
	cfg := Composed{"ckpt_path": "other.ckpt"}
	assert.False(t, h.MaybeOverride(cfg, t.TempDir()))
	got, _ := cfg.GetPath("ckpt_path")
	assert.Equal(t, "other.ckpt", got, "no evidence means whatever was composed stands")
}

func TestGuardRecoversRunID(t *testing.T) {
	h := newTestHandler(t)
	outputDir := t.TempDir()
	writeFile(t, filepath.Join(outputDir, "checkpoints", "hpc_ckpt.ckpt"), "w")
	require.NoError(t, os.MkdirAll(filepath.Join(outputDir, "wandb", "run-20240311_120000-wxyz9876"), 0770))

	cfg := Composed{}
	require.True(t, h.MaybeOverride(cfg, outputDir))
	id, ok := cfg.GetPath("wandb_id")
	require.True(t, ok)
	assert.Equal(t, "wxyz9876", id)
}

func TestGuardDottedKeys(t *testing.T) {
	h := Build().CkptPathKey("model.weights").MustDone()
	outputDir := t.TempDir()
	writeFile(t, filepath.Join(outputDir, "checkpoints", "last.ckpt"), "w")

	cfg := Composed{}
	require.True(t, h.MaybeOverride(cfg, outputDir))
	got, ok := cfg.GetPath("model.weights")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(outputDir, "checkpoints", "last.ckpt"), got)
}

func TestComposedSetGetPath(t *testing.T) {
	cfg := Composed{}
	cfg.SetPath("a.b.c", 1)
	v, ok := cfg.GetPath("a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = cfg.GetPath("a.b.missing")
	assert.False(t, ok)
	_, ok = cfg.GetPath("a.b.c.deeper")
	assert.False(t, ok)

	// Plain nested maps (as a composition engine would produce) work too.
	cfg = Composed{"a": map[string]any{"b": "x"}}
	v, ok = cfg.GetPath("a.b")
	require.True(t, ok)
	assert.Equal(t, "x", v)
	cfg.SetPath("a.b", "y")
	v, _ = cfg.GetPath("a.b")
	assert.Equal(t, "y", v)
}
