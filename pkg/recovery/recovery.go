// Package recovery provides a panic-safe goroutine wrapper used anywhere
// the core spawns a background worker that must not take the whole
// process down on an unexpected panic: the GC's worker pool (§4.6) runs
// a configurable number of these, and a panic in one delete worker must
// not orphan the others mid-run.
package recovery

import (
	"fmt"
	"runtime/debug"

	"github.com/marfs-project/marfs-core/pkg/utils"
)

// Go runs fn in a new goroutine, recovering any panic, logging it with a
// stack trace through logger (component-scoped to name), and invoking
// onPanic if non-nil so the caller can fold the failure into its own
// accounting (e.g. the GC report's Failed tally) instead of silently
// losing the worker.
func Go(logger *utils.Logger, name string, fn func(), onPanic func(recovered interface{})) {
	if logger == nil {
		logger = utils.Default
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.With(name).Error("panic recovered", map[string]interface{}{
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				})
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

// Wrap runs fn synchronously and returns its error, recovering a panic
// into an error that names name and the panic value, for call sites that
// invoke work
// synchronously (e.g. a single repack pass) but still want panic
// isolation instead of letting an erasure-coding bug crash the caller.
func Wrap(logger *utils.Logger, name string, fn func() error) (err error) {
	if logger == nil {
		logger = utils.Default
	}
	defer func() {
		if r := recover(); r != nil {
			logger.With(name).Error("panic recovered", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			err = fmt.Errorf("%s: recovered panic: %v", name, r)
		}
	}()
	return fn()
}
