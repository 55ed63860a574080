// Package logging provides filed's structured, colorized process log.
//
// The teacher's graceful-restart examples print banner-style phase
// separators and per-process colored lines by hand
// (graceful_restarts/tbflip/main.go's logf/logPhase). This package keeps
// that two-tier shape -- ordinary structured lines plus a banner for
// phase transitions -- but backs it with logrus so fields are structured
// key/value pairs instead of sprintf'd strings, the way moby/rclone log.
package logging

import (
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
)

// processColors mirrors the teacher's ANSI palette, so a pool of worker
// processes under tableflip remains visually distinguishable in a shared
// terminal the way the original examples are.
var processColors = []string{"\033[31m", "\033[32m", "\033[33m", "\033[34m", "\033[35m", "\033[36m"}

// colorFormatter wraps logrus.TextFormatter to prefix every line with a
// per-process ANSI color and reset it at line end, on top of logrus's
// usual key=value field rendering.
type colorFormatter struct {
	inner logrus.Formatter
	color string
}

func (f *colorFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := f.inner.Format(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(f.color)+len(b)+len(ansiReset))
	out = append(out, f.color...)
	out = append(out, b...)
	out = append(out, ansiReset...)
	return out, nil
}

const ansiReset = "\033[0m"

// New builds a process-scoped logger, pre-tagged with pid so multiple
// filed processes (old and new, across a tableflip upgrade) stay
// distinguishable in aggregated output.
func New(pid int) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)

	color := processColors[rand.New(rand.NewSource(int64(pid))).Intn(len(processColors))]
	log.SetFormatter(&colorFormatter{
		inner: &logrus.TextFormatter{FullTimestamp: true},
		color: color,
	})
	return log.WithField("pid", pid)
}

// Phase logs a banner-style line for a major lifecycle transition
// (listening, upgrade received, shutdown complete) -- the structured
// equivalent of the teacher's logPhase separator.
func Phase(log *logrus.Entry, msg string, fields logrus.Fields) {
	log.WithFields(fields).WithField("phase", true).Info("==== " + msg + " ====")
}
