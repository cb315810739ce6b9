// SPDX-License-Identifier:Apache-2.0

// Package logging sets up structured logging in a uniform way.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Level is a log verbosity accepted by Init.
type Level string

const (
	LevelAll   Level = "all"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelNone  Level = "none"
)

type levelSlice []Level

func (l levelSlice) String() string {
	strs := make([]string, len(l))
	for i, v := range l {
		strs[i] = string(v)
	}
	return strings.Join(strs, ", ")
}

// Levels lists every accepted log level, most verbose first.
var Levels = levelSlice{LevelAll, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelNone}

// Init returns a logger configured with common settings like
// timestamping and source code locations, filtered at lvl.
func Init(lvl string) (log.Logger, error) {
	return New(os.Stdout, lvl)
}

// New is Init writing to w instead of stdout.
func New(w io.Writer, lvl string) (log.Logger, error) {
	opt, err := parseLevel(lvl)
	if err != nil {
		return nil, err
	}
	l := log.NewLogfmtLogger(log.NewSyncWriter(w))
	l = level.NewFilter(l, opt)
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

func parseLevel(lvl string) (level.Option, error) {
	switch Level(strings.ToLower(lvl)) {
	case LevelAll:
		return level.AllowAll(), nil
	case LevelDebug:
		return level.AllowDebug(), nil
	case LevelInfo:
		return level.AllowInfo(), nil
	case LevelWarn:
		return level.AllowWarn(), nil
	case LevelError:
		return level.AllowError(), nil
	case LevelNone:
		return level.AllowNone(), nil
	}

	return nil, fmt.Errorf("failed to parse log level: %s, must be one of: [%s]", lvl, Levels)
}
