package service

import (
	logpkg "github.com/echa/log"
)

// log is a logger that is initialized with no output filters. The package
// will not perform any logging by default until the caller requests it.
var log logpkg.Logger = logpkg.Log

func init() {
	DisableLog()
}

// DisableLog disables all library log output.
func DisableLog() {
	log = logpkg.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger logpkg.Logger) {
	log = logger
}
