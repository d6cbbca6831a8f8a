package lumen

import (
	"github.com/gekko3d/lumen/surfacecache/rt/core"
)

type Logger = core.Logger

type DefaultLogger = core.DefaultLogger

func NewDefaultLogger(prefix string, debug bool) *DefaultLogger {
	return core.NewDefaultLogger(prefix, debug)
}

func NewNopLogger() Logger { return core.NewNopLogger() }

// Logger returns the cache's logger. Safe to call at any time; never returns nil.
func (s *SurfaceCache) Logger() Logger {
	if s == nil {
		return NewNopLogger()
	}
	return s.log
}
