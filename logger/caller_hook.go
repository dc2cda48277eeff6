package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var skippedCallers = []string{"sirupsen/logrus", "feedflow/logger."}

// callerHook points the reported caller at the first frame outside logrus
// and the wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 20)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !skipCaller(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func skipCaller(fn string) bool {
	for _, prefix := range skippedCallers {
		if strings.Contains(fn, prefix) {
			return true
		}
	}
	return false
}
