package vision

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// InitONNXRuntime loads the ONNX Runtime shared library. It must run once
// before NewONNXEngine; the returned func tears the environment down.
func InitONNXRuntime(libPath string) (func(), error) {
	if libPath == "" {
		libPath = onnxLibName()
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init onnx runtime from %s: %w", libPath, err)
	}
	return func() { _ = ort.DestroyEnvironment() }, nil
}

func onnxLibName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
