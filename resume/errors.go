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
	"fmt"

	"github.com/pkg/errors"
)

// ResolutionError is returned when a classified resume value cannot be
// resolved: the registry doesn't know the run, a directory holds no
// checkpoint, a downloaded artifact misses the expected file. It is fatal at
// bootstrap: starting a fresh run when the user explicitly asked to resume
// would produce a misleadingly-labeled run.
//
// It always carries the mode and raw value that failed, and unwraps to the
// underlying cause, if any.
type ResolutionError struct {
	Kind Kind
	Raw  string
	Err  error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cannot resume (%s) from %q", e.Kind, e.Raw)
	}
	return fmt.Sprintf("cannot resume (%s) from %q: %v", e.Kind, e.Raw, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// resolutionErrorf builds a ResolutionError with a formatted cause.
func resolutionErrorf(kind Kind, raw, format string, args ...any) error {
	return &ResolutionError{Kind: kind, Raw: raw, Err: errors.Errorf(format, args...)}
}

// wrapResolution attaches mode context to an underlying error (registry
// transport failures included). A nil err returns nil.
func wrapResolution(kind Kind, raw string, err error) error {
	if err == nil {
		return nil
	}
	return &ResolutionError{Kind: kind, Raw: raw, Err: err}
}
