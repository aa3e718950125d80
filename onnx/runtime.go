package onnx

import (
	"log/slog"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var libCandidates = map[string][]string{
	"linux": {
		"onnxlibs/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	},
	"darwin": {
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	},
	"windows": {
		"onnxruntime.dll",
	},
}

var (
	initOnce sync.Once
	initErr  error
)

// LibPath returns the ONNX Runtime shared library to load: the configured
// path when set, otherwise the first well-known location that exists.
func LibPath(configured string) string {
	if configured != "" {
		return configured
	}
	for _, path := range libCandidates[runtime.GOOS] {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Init loads the shared library and creates the process wide ONNX Runtime
// environment. Later calls return the first result.
func Init(configured string) error {
	initOnce.Do(func() {
		path := LibPath(configured)
		if path == "" {
			slog.Warn("ONNX Runtime library path could not be determined, relying on the default search path")
		} else {
			slog.Info("Using ONNX Runtime library", slog.String("path", path))
			ort.SetSharedLibraryPath(path)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

func Destroy() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
