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

// Package resume resolves which checkpoint and configuration state a training
// job should restart from, given a single `resume=<value>` argument and the
// evidence left behind by previous attempts of the same job.
//
// It reconciles three independent sources of truth, in strict priority order:
//
//  1. Automatic preemption recovery: a checkpoint already present in the
//     current job's own output directory always wins (see Handler.MaybeOverride).
//  2. The user-supplied resume target: a run-registry identifier, a checkpoint
//     file, a previous log directory, or a multirun (sweep) directory.
//  3. Nothing: a fresh run.
//
// The entry point is a Handler, created by calling Build, followed by the
// various options setting and finally calling Config.Done. At process
// bootstrap, before the configuration-composition engine parses the argument
// vector, call Handler.Rewrite to replace the `resume=...` token with the
// explicit overrides it resolves to. Inside the running job, after the
// configuration is composed, call Handler.MaybeOverride with the job's own
// output directory.
//
// Example:
//
//	handler := resume.Build().
//		Registry(registry.NewHTTP(baseURL, project, apiKey)).
//		CheckpointNames("hpc_ckpt.ckpt", "last.ckpt").
//		MustDone()
//	newArgv, err := handler.Rewrite(os.Args)
//	if err != nil {
//		klog.Exitf("resume resolution failed: %+v", err)
//	}
//	os.Args = newArgv
//	...
//	// Later, inside the job, once cfg is composed:
//	handler.MaybeOverride(cfg, outputDir)
package resume

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Override is one key/value configuration override recovered from a prior
// run. Order is significant: the downstream composition engine applies
// overrides last-wins.
type Override struct {
	Key, Value string
}

// Plan is the result of resolving a resume intent. Zero-valued fields are
// simply not injected. A Plan is produced and consumed within a single
// bootstrap invocation; its only externally visible trace is the rewritten
// argument vector or, for the preemption guard, the overridden composed
// configuration fields.
type Plan struct {
	// CkptPath is the checkpoint file to initialize or resume from.
	CkptPath string

	// WandbID is the run identifier to continue logging under.
	WandbID string

	// Overrides are configuration overrides recovered from the prior run,
	// injected before any user-supplied argument so the user's explicit
	// flags always win.
	Overrides []Override

	// RunDir, if set, pins the job back into an existing log directory.
	RunDir string

	// SweepDir, if set, redirects the sweep root of a resumed multirun.
	SweepDir string

	// Multirun indicates the multirun flag must be present on the rewritten
	// argument vector.
	Multirun bool
}

// Client is the narrow interface to the remote run registry, used only when
// resuming from a run identifier. See package registry for the HTTP
// implementation.
type Client interface {
	// RunConfig returns the historical configuration overrides of the run,
	// in their original order.
	RunConfig(runID string) ([]Override, error)

	// DownloadLatestArtifact downloads the run's newest artifact of the
	// given type carrying the given alias, and returns the local directory
	// holding its files.
	DownloadLatestArtifact(runID, artifactType, alias string) (string, error)
}

// Config for the resume Handler to be created. This is created with Build()
// and configured with the various methods. Once finished, call Done() and it
// will output a Handler.
type Config struct {
	err error

	resumeArg       string
	checkpointDir   string
	checkpointNames []string
	checkpointExt   string

	artifactType  string
	artifactAlias string
	ckptGlob      string
	stagedName    string
	stageDir      string

	ckptPathKey string
	wandbIDKey  string
	runDirKey   string
	sweepDirKey string

	multirunMarker string
	multirunFlag   string
	snapshotDir    string

	registry Client
}

// Build a configuration for a resume Handler. After configuring the returned
// Config, call Done to get the Handler.
//
// The defaults match the common PyTorch-Lightning-style layout: checkpoints
// under `<dir>/checkpoints/`, preferring `hpc_ckpt.ckpt` (written on
// preemption) over `last.ckpt`.
func Build() *Config {
	return &Config{
		resumeArg:       "resume",
		checkpointDir:   "checkpoints",
		checkpointNames: []string{"hpc_ckpt.ckpt", "last.ckpt"},
		checkpointExt:   ".ckpt",
		artifactType:    "model",
		artifactAlias:   "latest",
		ckptGlob:        "*.ckpt",
		stagedName:      "wandb.ckpt",
		stageDir:        filepath.Join(os.TempDir(), "autoresume"),
		ckptPathKey:     "ckpt_path",
		wandbIDKey:      "wandb_id",
		runDirKey:       "run_dir",
		sweepDirKey:     "sweep_dir",
		multirunMarker:  "multirun.yaml",
		multirunFlag:    "-m",
		snapshotDir:     ".compose",
	}
}

// ResumeArg sets the name of the argument that triggers resumption.
// The default is "resume" (usage: `trainer resume=...`).
func (c *Config) ResumeArg(name string) *Config {
	c.resumeArg = name
	return c
}

// CheckpointDir sets the name of the subdirectory of a log directory where
// checkpoints live. The default is "checkpoints".
func (c *Config) CheckpointDir(name string) *Config {
	c.checkpointDir = name
	return c
}

// CheckpointNames sets the candidate checkpoint filenames, in priority order:
// the first existing one wins. The default is ["hpc_ckpt.ckpt", "last.ckpt"].
func (c *Config) CheckpointNames(names ...string) *Config {
	c.checkpointNames = names
	return c
}

// CheckpointExt sets the file extension identifying checkpoint files when a
// file path is given as the resume value. The default is ".ckpt".
func (c *Config) CheckpointExt(ext string) *Config {
	c.checkpointExt = ext
	return c
}

// ArtifactType sets the registry artifact type to download when resuming from
// a run identifier. The default is "model".
func (c *Config) ArtifactType(t string) *Config {
	c.artifactType = t
	return c
}

// ArtifactAlias sets the artifact alias version to download (e.g. "latest" or
// "best"). The default is "latest".
func (c *Config) ArtifactAlias(alias string) *Config {
	c.artifactAlias = alias
	return c
}

// CheckpointGlob sets the glob pattern locating the checkpoint file inside a
// downloaded artifact directory. The default is "*.ckpt".
func (c *Config) CheckpointGlob(pattern string) *Config {
	c.ckptGlob = pattern
	return c
}

// StagedFilename sets the name the downloaded checkpoint is renamed to, so it
// never collides with the new run's own `last.ckpt`. The default is
// "wandb.ckpt".
func (c *Config) StagedFilename(name string) *Config {
	c.stagedName = name
	return c
}

// StageDir sets the directory where downloaded checkpoints are staged.
// The default is a subdirectory of os.TempDir().
func (c *Config) StageDir(dir string) *Config {
	c.stageDir = dir
	return c
}

// CkptPathKey sets the dotted-path configuration key receiving the resolved
// checkpoint path. The default is "ckpt_path".
func (c *Config) CkptPathKey(key string) *Config {
	c.ckptPathKey = key
	return c
}

// WandbIDKey sets the dotted-path configuration key receiving the resolved
// run identifier. The default is "wandb_id".
func (c *Config) WandbIDKey(key string) *Config {
	c.wandbIDKey = key
	return c
}

// RunDirKey sets the configuration key pinning a job into an existing log
// directory. The default is "run_dir".
func (c *Config) RunDirKey(key string) *Config {
	c.runDirKey = key
	return c
}

// SweepDirKey sets the configuration key redirecting a resumed multirun's
// sweep root. The default is "sweep_dir".
func (c *Config) SweepDirKey(key string) *Config {
	c.sweepDirKey = key
	return c
}

// MultirunMarker sets the filename that marks a directory as a multirun
// (sweep) root. The default is "multirun.yaml".
func (c *Config) MultirunMarker(name string) *Config {
	c.multirunMarker = name
	return c
}

// MultirunFlag sets the flag injected when resuming a multirun whose original
// invocation did not carry it. The default is "-m".
func (c *Config) MultirunFlag(flag string) *Config {
	c.multirunFlag = flag
	return c
}

// SnapshotDir sets the name of the composed-configuration snapshot
// subdirectory that gets backed up before a log directory is resumed
// in-place. The default is ".compose".
func (c *Config) SnapshotDir(name string) *Config {
	c.snapshotDir = name
	return c
}

// Registry sets the run-registry client used when the resume value is a run
// identifier. Without one, resuming from an identifier fails with a
// ResolutionError.
func (c *Config) Registry(client Client) *Config {
	c.registry = client
	return c
}

// Done creates a Handler with the current configuration. It returns an error
// if the configuration is invalid or missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.resumeArg == "" {
		return nil, errors.Errorf("resume argument name cannot be empty")
	}
	if len(c.checkpointNames) == 0 {
		return nil, errors.Errorf("at least one checkpoint filename must be configured")
	}
	if !strings.HasPrefix(c.checkpointExt, ".") {
		return nil, errors.Errorf("checkpoint extension %q must start with a '.'", c.checkpointExt)
	}
	if c.ckptPathKey == "" || c.wandbIDKey == "" {
		return nil, errors.Errorf("configuration keys for checkpoint path and run id cannot be empty")
	}
	if c.multirunMarker == "" {
		return nil, errors.Errorf("multirun marker filename cannot be empty")
	}
	return &Handler{config: c}, nil
}

// MustDone constructs the Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to create resume.Handler"))
	}
	return h
}

// Handler resolves resume intents into plans and applies them. See the
// package documentation for an example.
//
// A Handler is meant to live for one process bootstrap. It holds no state
// other than its configuration and, for registry resumption, the run
// identifier it minted -- minted once so that resolving the same argument
// vector twice yields the same plan.
type Handler struct {
	config *Config

	mintedID string
}

// String implements Stringer.
func (h *Handler) String() string {
	return "resume.Handler"
}
