package vision

import (
	"image"
	"math"
	"sort"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/eventfaces/internal/observability"
)

const (
	detInput        = 640
	anchorsPerCell  = 2
	nmsIoUThreshold = 0.4
)

// retinaLevel is one feature pyramid level of det_10g: the output names of
// its score and box heads.
type retinaLevel struct {
	stride int
	scores string
	boxes  string
}

var retinaLevels = []retinaLevel{
	{stride: 8, scores: "448", boxes: "451"},
	{stride: 16, scores: "471", boxes: "474"},
	{stride: 32, scores: "494", boxes: "497"},
}

func (l retinaLevel) anchors() int64 {
	side := int64(detInput / l.stride)
	return side * side * anchorsPerCell
}

// box is a candidate detection in source pixel coordinates.
type box struct {
	x1, y1, x2, y2 float32
	score          float32
}

func (b box) area() float32 {
	return (b.x2 - b.x1) * (b.y2 - b.y1)
}

func (b box) iou(o box) float32 {
	w := min(b.x2, o.x2) - max(b.x1, o.x1)
	h := min(b.y2, o.y2) - max(b.y1, o.y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	union := b.area() + o.area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detector runs the RetinaFace det_10g model. Landmark heads are not
// fetched; only boxes and scores are decoded.
type Detector struct {
	model     *onnxModel
	threshold float32
}

// NewDetector loads a RetinaFace model. threshold is a 0-1 score cut-off.
// opts may be nil for ONNX Runtime defaults.
func NewDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*Detector, error) {
	var outs []tensorSpec
	for _, l := range retinaLevels {
		outs = append(outs, tensorSpec{l.scores, ort.NewShape(l.anchors(), 1)})
	}
	for _, l := range retinaLevels {
		outs = append(outs, tensorSpec{l.boxes, ort.NewShape(l.anchors(), 4)})
	}

	in := tensorSpec{"input.1", ort.NewShape(1, 3, detInput, detInput)}
	model, err := loadModel(modelPath, "detect", in, outs, opts)
	if err != nil {
		return nil, err
	}
	return &Detector{model: model, threshold: threshold}, nil
}

// Detect returns faces in img after non-maximum suppression. Rectangles are
// in img's coordinate space.
func (d *Detector) Detect(img image.Image) ([]Face, error) {
	start := time.Now()
	input := preprocessForDetection(img, detInput, detInput)
	observability.InferenceDuration.WithLabelValues("preprocess").Observe(time.Since(start).Seconds())

	b := img.Bounds()
	var candidates []box
	err := d.model.run(input, func(outputs []*ort.Tensor[float32]) {
		candidates = d.decode(outputs, b.Dx(), b.Dy())
	})
	if err != nil {
		return nil, err
	}

	kept := suppress(candidates, nmsIoUThreshold)
	faces := make([]Face, 0, len(kept))
	for _, k := range kept {
		r := image.Rect(int(k.x1), int(k.y1), int(math.Ceil(float64(k.x2))), int(math.Ceil(float64(k.y2))))
		faces = append(faces, Face{Rect: r.Add(b.Min), Confidence: float64(k.score) * 100})
	}
	return faces, nil
}

// decode turns anchor offsets into boxes. Each anchor predicts distances
// from its cell origin to the four box edges in stride units.
func (d *Detector) decode(outputs []*ort.Tensor[float32], w, h int) []box {
	sx := float32(w) / detInput
	sy := float32(h) / detInput
	var out []box

	for li, l := range retinaLevels {
		scores := outputs[li].GetData()
		deltas := outputs[len(retinaLevels)+li].GetData()
		side := detInput / l.stride
		st := float32(l.stride)

		for i, score := range scores {
			if score < d.threshold {
				continue
			}
			cell := i / anchorsPerCell
			ax := float32(cell%side) * st
			ay := float32(cell/side) * st
			dd := deltas[i*4 : i*4+4]
			out = append(out, box{
				x1:    clamp32((ax-dd[0]*st)*sx, 0, float32(w)),
				y1:    clamp32((ay-dd[1]*st)*sy, 0, float32(h)),
				x2:    clamp32((ax+dd[2]*st)*sx, 0, float32(w)),
				y2:    clamp32((ay+dd[3]*st)*sy, 0, float32(h)),
				score: score,
			})
		}
	}
	return out
}

func (d *Detector) Close() {
	d.model.Close()
}

// suppress keeps the highest scoring box of every overlapping group.
func suppress(boxes []box, threshold float32) []box {
	sort.Slice(boxes, func(i, j int) bool { return boxes[i].score > boxes[j].score })

	var kept []box
	for _, b := range boxes {
		overlaps := false
		for _, k := range kept {
			if k.iou(b) > threshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, b)
		}
	}
	return kept
}

func clamp32(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}
