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
	"slices"
	"strings"

	"k8s.io/klog/v2"
)

// ResumeValue returns the value of the first `resume=` token on the argument
// vector, or "" if resumption was not requested.
func (h *Handler) ResumeValue(argv []string) string {
	prefix := h.config.resumeArg + "="
	for _, arg := range argv[1:] {
		if strings.HasPrefix(arg, prefix) {
			return arg[len(prefix):]
		}
	}
	return ""
}

// Rewrite resolves the argument vector's resume intent and returns a new
// argument vector with the `resume=...` token removed and the resolved plan
// spliced in as explicit overrides, ready for the downstream
// configuration-composition engine.
//
// The injected block sits between the program name and the original
// user-supplied arguments, so with the engine's last-applied-wins semantics
// the user's explicit flags always beat anything injected. Within the block,
// recovered config overrides come first and the resume-derived checkpoint
// path, run id and directory overrides replace any same-key entry among them.
// Keys the user already supplied are never injected at all.
//
// Rewrite never mutates argv. It is idempotent on the original argument
// vector: rewriting the same argv twice through the same Handler produces the
// same result.
func (h *Handler) Rewrite(argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, nil
	}
	raw := h.ResumeValue(argv)
	cleaned := h.stripResumeTokens(argv)
	if raw == "" {
		return cleaned, nil
	}
	klog.Infof("Detected resume request: %s=%s", h.config.resumeArg, raw)

	plan, err := h.Resolve(raw)
	if err != nil {
		return nil, err
	}

	userKeys := make(map[string]bool)
	for _, arg := range argv[1:] {
		if key := normalizeKey(arg); key != "" && key != h.config.resumeArg {
			userKeys[key] = true
		}
	}

	var injected []string
	index := make(map[string]int)
	// Recovered overrides: the user wins, and the first occurrence of a key wins.
	addOverride := func(key, value string) {
		key = strings.TrimLeft(key, "+~")
		if key == "" || key == h.config.resumeArg || userKeys[key] {
			return
		}
		if _, ok := index[key]; ok {
			return
		}
		index[key] = len(injected)
		injected = append(injected, key+"="+value)
	}
	// Resume-derived overrides: replace a same-key recovered override in
	// place, so the explicit path/id wins even if the fetched config defined a
	// conflicting value. The user still wins over both.
	setExplicit := func(key, value string) {
		if userKeys[key] {
			return
		}
		arg := key + "=" + value
		if i, ok := index[key]; ok {
			injected[i] = arg
			return
		}
		index[key] = len(injected)
		injected = append(injected, arg)
	}

	for _, o := range plan.Overrides {
		addOverride(o.Key, o.Value)
	}
	if plan.CkptPath != "" {
		setExplicit(h.config.ckptPathKey, plan.CkptPath)
	}
	if plan.WandbID != "" {
		setExplicit(h.config.wandbIDKey, plan.WandbID)
	}
	if plan.RunDir != "" {
		setExplicit(h.config.runDirKey, plan.RunDir)
	}
	if plan.SweepDir != "" {
		setExplicit(h.config.sweepDirKey, plan.SweepDir)
	}
	if plan.Multirun && !slices.Contains(argv, h.config.multirunFlag) {
		klog.Infof("Resuming a multirun: adding the %q flag", h.config.multirunFlag)
		injected = append([]string{h.config.multirunFlag}, injected...)
	}

	if len(injected) > 0 {
		klog.V(1).Infof("injecting arguments: %v", injected)
	}
	newArgv := make([]string, 0, len(cleaned)+len(injected))
	newArgv = append(newArgv, cleaned[0])
	newArgv = append(newArgv, injected...)
	newArgv = append(newArgv, cleaned[1:]...)
	return newArgv, nil
}

// stripResumeTokens returns a copy of argv without any `resume=...` token.
func (h *Handler) stripResumeTokens(argv []string) []string {
	prefix := h.config.resumeArg + "="
	cleaned := make([]string, 0, len(argv))
	for i, arg := range argv {
		if i > 0 && strings.HasPrefix(arg, prefix) {
			continue
		}
		cleaned = append(cleaned, arg)
	}
	return cleaned
}

// normalizeKey returns the base configuration key of a `key=value` argument,
// with force/delete prefixes removed. Non key/value arguments yield "".
func normalizeKey(arg string) string {
	eq := strings.Index(arg, "=")
	if eq < 0 {
		return ""
	}
	return strings.TrimLeft(arg[:eq], "+~")
}
