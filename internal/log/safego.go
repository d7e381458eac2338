package log

import (
	"fmt"
	"runtime/debug"
)

// SafeGo runs fn in a new goroutine with panic recovery. A recovered panic is
// logged with the goroutine's name and stack; it never crashes the process.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatEngine, "goroutine panic recovered",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// SafeGoWithRecovery runs fn in a new goroutine with panic recovery and
// invokes onPanic after logging. Used where a panic must surface as a
// component failure rather than disappear into the log.
func SafeGoWithRecovery(name string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatEngine, "goroutine panic recovered",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
