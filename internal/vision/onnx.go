package vision

import (
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/eventfaces/internal/observability"
)

// tensorSpec names one model input or output and its fixed shape.
type tensorSpec struct {
	name  string
	shape ort.Shape
}

// onnxModel is a session bound to preallocated tensors. The tensors are
// reused between runs, so run holds a lock for the whole inference.
type onnxModel struct {
	stage   string
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

func loadModel(path, stage string, in tensorSpec, outs []tensorSpec, opts *ort.SessionOptions) (*onnxModel, error) {
	m := &onnxModel{stage: stage}

	var err error
	m.input, err = ort.NewEmptyTensor[float32](in.shape)
	if err != nil {
		return nil, fmt.Errorf("%s: input tensor: %w", stage, err)
	}

	names := make([]string, len(outs))
	values := make([]ort.Value, len(outs))
	for i, o := range outs {
		t, err := ort.NewEmptyTensor[float32](o.shape)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%s: output tensor %s: %w", stage, o.name, err)
		}
		m.outputs = append(m.outputs, t)
		names[i] = o.name
		values[i] = t
	}

	m.session, err = ort.NewAdvancedSession(path, []string{in.name}, names, []ort.Value{m.input}, values, opts)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("%s: session %s: %w", stage, path, err)
	}
	return m, nil
}

// run copies input into the model, runs it and hands the outputs to read
// while the lock is still held.
func (m *onnxModel) run(input []float32, read func(outputs []*ort.Tensor[float32])) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	copy(m.input.GetData(), input)
	if err := m.session.Run(); err != nil {
		return fmt.Errorf("%s: run: %w", m.stage, err)
	}
	observability.InferenceDuration.WithLabelValues(m.stage).Observe(time.Since(start).Seconds())

	read(m.outputs)
	return nil
}

func (m *onnxModel) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	for _, t := range m.outputs {
		t.Destroy()
	}
}
