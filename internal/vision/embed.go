package vision

import (
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	arcFaceInput = 112
	arcFaceDim   = 512
)

// Embedder computes L2-normalized ArcFace (w600k_r50) embeddings.
type Embedder struct {
	model *onnxModel
}

func NewEmbedder(modelPath string, opts *ort.SessionOptions) (*Embedder, error) {
	in := tensorSpec{"input.1", ort.NewShape(1, 3, arcFaceInput, arcFaceInput)}
	out := tensorSpec{"683", ort.NewShape(1, arcFaceDim)}
	model, err := loadModel(modelPath, "embed", in, []tensorSpec{out}, opts)
	if err != nil {
		return nil, err
	}
	return &Embedder{model: model}, nil
}

// Extract embeds a face crop. Any crop is accepted; it is stretched to the
// model input.
func (e *Embedder) Extract(face image.Image) ([]float32, error) {
	input := preprocessForEmbedding(face, arcFaceInput, arcFaceInput)
	embedding := make([]float32, arcFaceDim)
	err := e.model.run(input, func(outputs []*ort.Tensor[float32]) {
		copy(embedding, outputs[0].GetData())
	})
	if err != nil {
		return nil, err
	}
	Normalize(embedding)
	return embedding, nil
}

func (e *Embedder) Dim() int { return arcFaceDim }

func (e *Embedder) Close() {
	e.model.Close()
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
