package inference

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// TensorInfo is the declared name and shape of a model input or output.
type TensorInfo struct {
	Name string
	Dims []int64
}

type sessionSpec struct {
	ModelPath   string
	InputName   string
	OutputName  string
	InputShape  []int64
	OutputShape []int64
	Threads     int
}

// backend isolates the onnxruntime calls so the gateway can be exercised
// without the shared library.
type backend interface {
	Init(libraryPath string) (owned bool, err error)
	Inspect(modelPath string) (inputs, outputs []TensorInfo, err error)
	NewSession(spec sessionSpec) (runner, error)
	Shutdown() error
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Run(input []float32) ([]float32, error) {
	dst := m.Input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, session expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := m.Session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := m.Output.GetData()
	return append([]float32(nil), out...), nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

type ortBackend struct{}

func (ortBackend) Init(libraryPath string) (bool, error) {
	if ort.IsInitialized() {
		return false, nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return false, fmt.Errorf("initialize onnxruntime environment: %w", err)
	}
	return true, nil
}

func (ortBackend) Inspect(modelPath string) ([]TensorInfo, []TensorInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, err
	}
	return toTensorInfo(inputs), toTensorInfo(outputs), nil
}

func toTensorInfo(infos []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, len(infos))
	for i, info := range infos {
		out[i] = TensorInfo{Name: info.Name, Dims: append([]int64(nil), info.Dimensions...)}
	}
	return out
}

func (ortBackend) NewSession(spec sessionSpec) (runner, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := spec.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(1)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		spec.ModelPath,
		[]string{spec.InputName},
		[]string{spec.OutputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

func (ortBackend) Shutdown() error {
	return ort.DestroyEnvironment()
}
