// Package logflags configures per-layer logging for the introspection
// engine. Each layer has a boolean toggled from the --log-output flag.
package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var mem = false
var heap = false
var stack = false
var snapshot = false
var native = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Mem returns true if the memory access layer should log reads and writes.
func Mem() bool {
	return mem
}

// MemLogger returns a configured logger for the memory access layer.
func MemLogger() *logrus.Entry {
	return makeLogger(mem, logrus.Fields{"layer": "mem"})
}

// Heap returns true if the heap reconstructor should log.
func Heap() bool {
	return heap
}

// HeapLogger returns a logger for the heap reconstructor.
func HeapLogger() *logrus.Entry {
	return makeLogger(heap, logrus.Fields{"layer": "heap"})
}

// Stack returns true if the stack unwinder should log.
func Stack() bool {
	return stack
}

// StackLogger returns a logger for the stack unwinder.
func StackLogger() *logrus.Entry {
	return makeLogger(stack, logrus.Fields{"layer": "stack"})
}

// Snapshot returns true if the context aggregator should log.
func Snapshot() bool {
	return snapshot
}

// SnapshotLogger returns a logger for the context aggregator.
func SnapshotLogger() *logrus.Entry {
	return makeLogger(snapshot, logrus.Fields{"layer": "snapshot"})
}

// Native returns true if the native Linux target should log.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the native Linux target.
func NativeLogger() *logrus.Entry {
	return makeLogger(native, logrus.Fields{"layer": "native"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "snapshot"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "mem":
			mem = true
		case "heap":
			heap = true
		case "stack":
			stack = true
		case "snapshot":
			snapshot = true
		case "native":
			native = true
		}
	}
	return nil
}
