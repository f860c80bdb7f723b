package monitor

import (
	"fmt"
	"runtime"
	"strings"
)

const maxFrames = 64

type frame struct {
	Function string
	File     string
	Line     int
}

// callers walks the stack starting skip frames above callers itself. When
// afterPanic is set, frames up to and including runtime.gopanic are dropped
// so the trace starts at the panicking function.
func callers(skip int, afterPanic bool) []frame {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return nil
	}

	it := runtime.CallersFrames(pcs[:n])
	var frames []frame
	for {
		f, more := it.Next()
		if afterPanic && f.Function == "runtime.gopanic" {
			frames = frames[:0]
			afterPanic = false
		} else if !strings.HasPrefix(f.Function, "runtime.") {
			frames = append(frames, frame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return frames
}

// formatFrames renders frames the way the Go runtime prints goroutine stacks
func formatFrames(frames []frame) string {
	var b strings.Builder
	for i, f := range frames {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s\n\t%s:%d", f.Function, f.File, f.Line)
	}
	return b.String()
}
