package vision

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
)

// ErrNoFace is returned by Engine.Embed when the engine cannot produce an
// embedding for the given image.
var ErrNoFace = errors.New("no face found")

// Face is one detected face in pixel coordinates of the source image.
type Face struct {
	Rect       image.Rectangle
	Confidence float64 // 0-100
}

// Engine detects faces and computes embeddings locally.
type Engine interface {
	Detect(img image.Image) ([]Face, error)
	// Embed returns the embedding of a face crop. Engines that cannot embed
	// an arbitrary image return ErrNoFace when they find no face in it.
	Embed(img image.Image) ([]float32, error)
	Dim() int
	Close()
}

// ONNXEngine runs RetinaFace detection and ArcFace embedding.
type ONNXEngine struct {
	detector *Detector
	embedder *Embedder
}

// NewONNXEngine loads det_10g.onnx and w600k_r50.onnx from modelsDir.
func NewONNXEngine(modelsDir string, detectionThreshold float64) (*ONNXEngine, error) {
	detPath := filepath.Join(modelsDir, "det_10g.onnx")
	embPath := filepath.Join(modelsDir, "w600k_r50.onnx")

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(detectionThreshold), nil)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading embedding model", "path", embPath)
	emb, err := NewEmbedder(embPath, nil)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	slog.Info("onnx vision engine ready")
	return &ONNXEngine{detector: det, embedder: emb}, nil
}

func (e *ONNXEngine) Detect(img image.Image) ([]Face, error) {
	return e.detector.Detect(img)
}

// Embed embeds img as given; ArcFace accepts any crop.
func (e *ONNXEngine) Embed(img image.Image) ([]float32, error) {
	return e.embedder.Extract(img)
}

func (e *ONNXEngine) Dim() int {
	return e.embedder.Dim()
}

// Close releases all ONNX sessions.
func (e *ONNXEngine) Close() {
	if e.detector != nil {
		e.detector.Close()
	}
	if e.embedder != nil {
		e.embedder.Close()
	}
}
