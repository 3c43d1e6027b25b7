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
	"strings"

	"k8s.io/klog/v2"
)

// Composed is the configuration after the downstream composition engine has
// merged all overrides, as seen by the preemption guard. Keys are dotted
// paths into nested maps, matching the configurable key names
// (defaults "ckpt_path" and "wandb_id").
type Composed map[string]any

// SetPath sets a dotted-path key, creating intermediate maps as needed.
// An existing non-map intermediate value is replaced.
func (c Composed) SetPath(key string, value any) {
	parts := strings.Split(key, ".")
	node := c
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(Composed)
		if !ok {
			if plain, isMap := node[part].(map[string]any); isMap {
				child = Composed(plain)
			} else {
				child = Composed{}
			}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// GetPath returns the value at a dotted-path key.
func (c Composed) GetPath(key string) (any, bool) {
	parts := strings.Split(key, ".")
	node := c
	for _, part := range parts[:len(parts)-1] {
		switch child := node[part].(type) {
		case Composed:
			node = child
		case map[string]any:
			node = Composed(child)
		default:
			return nil, false
		}
	}
	value, ok := node[parts[len(parts)-1]]
	return value, ok
}

// MaybeOverride is the preemption guard. It runs inside the job, after the
// configuration is composed, against the job's own already-determined output
// directory -- never a directory named by the user's resume value.
//
// A checkpoint found there is evidence the process was already running in
// this exact directory (the scheduler requeued it after preemption or
// timeout), so it overrides the composed checkpoint path unconditionally,
// beating whatever the bootstrap rewrite or the user's explicit flags said.
// If a run id can be recovered from the directory, the composed run id is
// overridden too, so logging continues under the same run.
//
// The directory is re-checked fresh at each attempt's start: nothing is
// cached across attempts. No checkpoint found means no mutation, and is
// never an error.
//
// It reports whether the configuration was overridden.
func (h *Handler) MaybeOverride(cfg Composed, outputDir string) bool {
	ckpt, found := h.FindCheckpoint(outputDir)
	if !found {
		return false
	}
	klog.Infof("Found existing checkpoint in output directory: %q", ckpt)
	klog.Infof("Assuming auto-resume from preemption or timeout.")
	cfg.SetPath(h.config.ckptPathKey, ckpt)
	if id := h.recoverRunID(outputDir); id != "" {
		klog.Infof("Continuing run id %q recovered from %q", id, outputDir)
		cfg.SetPath(h.config.wandbIDKey, id)
	}
	return true
}
