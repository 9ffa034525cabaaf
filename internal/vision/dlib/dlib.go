//go:build dlib

package dlib

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/Kagami/go-face"

	"github.com/your-org/eventfaces/internal/observability"
	"github.com/your-org/eventfaces/internal/vision"
)

// Engine uses dlib's HOG detector and ResNet descriptor through go-face.
// It reads shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat and mmod_human_face_detector.dat
// from the models directory.
type Engine struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

var _ vision.Engine = (*Engine)(nil)

func New(modelsDir string) (*Engine, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load dlib recognizer: %w", err)
	}
	slog.Info("dlib vision engine ready", "models_dir", modelsDir)
	return &Engine{rec: rec}, nil
}

func (e *Engine) Detect(img image.Image) ([]vision.Face, error) {
	data, err := vision.EncodeJPEG(img, 95)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	start := time.Now()
	found, err := e.rec.Recognize(data)
	observability.InferenceDuration.WithLabelValues("dlib_detect").Observe(time.Since(start).Seconds())
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dlib recognize: %w", err)
	}

	origin := img.Bounds().Min
	faces := make([]vision.Face, 0, len(found))
	for _, f := range found {
		// dlib's HOG detector reports no score.
		faces = append(faces, vision.Face{Rect: f.Rectangle.Add(origin), Confidence: 100})
	}
	return faces, nil
}

// Embed returns the descriptor of the single face dlib finds in img.
func (e *Engine) Embed(img image.Image) ([]float32, error) {
	data, err := vision.EncodeJPEG(img, 95)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	start := time.Now()
	f, err := e.rec.RecognizeSingle(data)
	observability.InferenceDuration.WithLabelValues("dlib_embed").Observe(time.Since(start).Seconds())
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dlib recognize: %w", err)
	}
	if f == nil {
		return nil, vision.ErrNoFace
	}

	desc := [128]float32(f.Descriptor)
	out := make([]float32, len(desc))
	copy(out, desc[:])
	vision.Normalize(out)
	return out, nil
}

func (e *Engine) Dim() int {
	return 128
}

func (e *Engine) Close() {
	e.rec.Close()
}
