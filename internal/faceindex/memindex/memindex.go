// Package memindex is an in-memory faceindex.Service for tests and local
// runs without a recognition backend.
//
// Faces are solid colour blocks on a white background: every primary or
// secondary colour (and black) covering at least 2% of the image is one
// face, and the colour is the identity of the person. Two faces of the same
// colour match with DefaultSimilarity unless overridden with SetSimilarity.
package memindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"strconv"
	"sync"

	"github.com/your-org/eventfaces/internal/faceindex"
	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/vision"
)

const (
	Red     = "red"
	Green   = "green"
	Blue    = "blue"
	Cyan    = "cyan"
	Magenta = "magenta"
	Yellow  = "yellow"
	Black   = "black"
)

const (
	DefaultSimilarity = 99.0
	DefaultSharpness  = 50.0
	detectConfidence  = 99.0
	minCoverage       = 0.02
)

var (
	ErrUnknownCollection = errors.New("collection does not exist")
	ErrUnknownFace       = errors.New("face does not exist")
)

var palette = map[[3]uint8]string{
	{255, 0, 0}:     Red,
	{0, 255, 0}:     Green,
	{0, 0, 255}:     Blue,
	{0, 255, 255}:   Cyan,
	{255, 0, 255}:   Magenta,
	{255, 255, 0}:   Yellow,
	{0, 0, 0}:       Black,
	{255, 255, 255}: "",
}

var colours = map[string]color.RGBA{
	Red:     {255, 0, 0, 255},
	Green:   {0, 255, 0, 255},
	Blue:    {0, 0, 255, 255},
	Cyan:    {0, 255, 255, 255},
	Magenta: {255, 0, 255, 255},
	Yellow:  {255, 255, 0, 255},
	Black:   {0, 0, 0, 255},
}

type face struct {
	ref      string
	tag      string
	identity string
}

type Index struct {
	mu          sync.Mutex
	collections map[string][]face
	similarity  map[[2]string]float64
	sharpness   map[string]float64
	failures    map[string]*failure
	calls       map[string]int
	seq         int

	// PageSize bounds ListFaces pages. Zero means 1000.
	PageSize int
}

type failure struct {
	err       error
	remaining int // <= 0 fails forever
}

var (
	_ faceindex.Service   = (*Index)(nil)
	_ faceindex.TagLister = (*Index)(nil)
)

func New() *Index {
	return &Index{
		collections: map[string][]face{},
		similarity:  map[[2]string]float64{},
		sharpness:   map[string]float64{},
		failures:    map[string]*failure{},
		calls:       map[string]int{},
	}
}

// SetSimilarity overrides the similarity reported between two identities.
// Identities of different colours do not match unless set here.
func (x *Index) SetSimilarity(a, b string, similarity float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.similarity[pair(a, b)] = similarity
}

// SetSharpness sets the sharpness DetectFaces reports for a colour.
func (x *Index) SetSharpness(identity string, sharpness float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.sharpness[identity] = sharpness
}

// Fail makes the next times calls of op return err. times <= 0 fails every
// call until Fail(op, nil, 0) clears it. Ops are the method names.
func (x *Index) Fail(op string, err error, times int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err == nil {
		delete(x.failures, op)
		return
	}
	x.failures[op] = &failure{err: err, remaining: times}
}

// Calls reports how many times op was invoked.
func (x *Index) Calls(op string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[op]
}

// Faces returns a snapshot of a collection in insertion order.
func (x *Index) Faces(collection string) []faceindex.IndexedFace {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]faceindex.IndexedFace, 0, len(x.collections[collection]))
	for _, f := range x.collections[collection] {
		out = append(out, faceindex.IndexedFace{FaceRef: f.ref, Tag: f.tag})
	}
	return out
}

// AddFace inserts a face with an explicit tag and identity, bypassing image
// analysis. Used to plant orphans and stale references.
func (x *Index) AddFace(collection, tag, identity string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ref := x.nextRef()
	x.collections[collection] = append(x.collections[collection], face{ref: ref, tag: tag, identity: identity})
	return ref
}

// enter records a call and returns an injected error, if any. Callers hold mu.
func (x *Index) enter(op string) error {
	x.calls[op]++
	f, ok := x.failures[op]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(x.failures, op)
		}
	}
	return f.err
}

func (x *Index) nextRef() string {
	x.seq++
	return "face-" + strconv.Itoa(x.seq)
}

func (x *Index) collection(op, name string) ([]face, error) {
	faces, ok := x.collections[name]
	if !ok {
		return nil, faults.Permanent(op, fmt.Errorf("%w: %s", ErrUnknownCollection, name))
	}
	return faces, nil
}

func (x *Index) EnsureCollection(_ context.Context, collection string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.enter("EnsureCollection"); err != nil {
		return err
	}
	if _, ok := x.collections[collection]; !ok {
		x.collections[collection] = []face{}
	}
	return nil
}

// Index stores up to maxFaces identities found in data, largest first. An
// image without any coloured face is stored as one blank face that never
// matches anything.
func (x *Index) Index(_ context.Context, collection string, data []byte, tag string, maxFaces int) ([]faceindex.IndexedFace, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.enter("Index"); err != nil {
		return nil, err
	}
	if _, err := x.collection("memindex.Index", collection); err != nil {
		return nil, err
	}

	blobs, err := analyze(data)
	if err != nil {
		return nil, faults.Permanent("memindex.Index", err)
	}
	identities := []string{""}
	if len(blobs) > 0 {
		identities = identities[:0]
		for _, b := range blobs {
			identities = append(identities, b.identity)
		}
	}
	if maxFaces > 0 && len(identities) > maxFaces {
		identities = identities[:maxFaces]
	}

	out := make([]faceindex.IndexedFace, 0, len(identities))
	for _, id := range identities {
		f := face{ref: x.nextRef(), tag: tag, identity: id}
		x.collections[collection] = append(x.collections[collection], f)
		out = append(out, faceindex.IndexedFace{FaceRef: f.ref, Tag: f.tag})
	}
	return out, nil
}

func (x *Index) SearchByRef(_ context.Context, collection, faceRef string, maxResults int, threshold float64) ([]faceindex.Match, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.enter("SearchByRef"); err != nil {
		return nil, err
	}
	faces, err := x.collection("memindex.SearchByRef", collection)
	if err != nil {
		return nil, err
	}

	for _, f := range faces {
		if f.ref == faceRef {
			return x.search(faces, f.identity, faceRef, maxResults, threshold), nil
		}
	}
	return nil, faults.Permanent("memindex.SearchByRef", fmt.Errorf("%w: %s", ErrUnknownFace, faceRef))
}

// SearchByImage searches with the largest face in data. An image without a
// face matches nothing.
func (x *Index) SearchByImage(_ context.Context, collection string, data []byte, maxResults int, threshold float64) ([]faceindex.Match, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.enter("SearchByImage"); err != nil {
		return nil, err
	}
	faces, err := x.collection("memindex.SearchByImage", collection)
	if err != nil {
		return nil, err
	}

	blobs, err := analyze(data)
	if err != nil {
		return nil, faults.Permanent("memindex.SearchByImage", err)
	}
	if len(blobs) == 0 {
		return nil, nil
	}
	return x.search(faces, blobs[0].identity, "", maxResults, threshold), nil
}

func (x *Index) search(faces []face, identity, exclude string, maxResults int, threshold float64) []faceindex.Match {
	var out []faceindex.Match
	for _, f := range faces {
		if f.ref == exclude {
			continue
		}
		sim := x.score(identity, f.identity)
		if sim <= 0 || sim < threshold {
			continue
		}
		out = append(out, faceindex.Match{FaceRef: f.ref, Tag: f.tag, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

func (x *Index) score(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if s, ok := x.similarity[pair(a, b)]; ok {
		return s
	}
	if a == b {
		return DefaultSimilarity
	}
	return 0
}

func pair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// ListFaces pages in insertion order. The token is the offset of the next page.
func (x *Index) ListFaces(_ context.Context, collection, pageToken string) ([]faceindex.IndexedFace, string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.enter("ListFaces"); err != nil {
		return nil, "", err
	}
	faces, err := x.collection("memindex.ListFaces", collection)
	if err != nil {
		return nil, "", err
	}

	offset := 0
	if pageToken != "" {
		offset, err = strconv.Atoi(pageToken)
		if err != nil || offset < 0 {
			return nil, "", faults.Permanent("memindex.ListFaces", fmt.Errorf("bad page token %q", pageToken))
		}
	}
	size := x.PageSize
	if size <= 0 {
		size = 1000
	}

	end := min(offset+size, len(faces))
	out := make([]faceindex.IndexedFace, 0, max(end-offset, 0))
	for _, f := range faces[min(offset, end):end] {
		out = append(out, faceindex.IndexedFace{FaceRef: f.ref, Tag: f.tag})
	}
	next := ""
	if end < len(faces) {
		next = strconv.Itoa(end)
	}
	return out, next, nil
}

func (x *Index) FacesByTag(_ context.Context, collection, tag string) ([]faceindex.IndexedFace, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.enter("FacesByTag"); err != nil {
		return nil, err
	}
	faces, err := x.collection("memindex.FacesByTag", collection)
	if err != nil {
		return nil, err
	}

	var out []faceindex.IndexedFace
	for _, f := range faces {
		if f.tag == tag {
			out = append(out, faceindex.IndexedFace{FaceRef: f.ref, Tag: f.tag})
		}
	}
	return out, nil
}

func (x *Index) DeleteFaces(_ context.Context, collection string, faceRefs []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.enter("DeleteFaces"); err != nil {
		return err
	}
	faces, err := x.collection("memindex.DeleteFaces", collection)
	if err != nil {
		return err
	}

	drop := make(map[string]bool, len(faceRefs))
	for _, r := range faceRefs {
		drop[r] = true
	}
	kept := faces[:0:0]
	for _, f := range faces {
		if !drop[f.ref] {
			kept = append(kept, f)
		}
	}
	x.collections[collection] = kept
	return nil
}

func (x *Index) DetectFaces(_ context.Context, data []byte, minConfidence float64) ([]faceindex.BoundingBox, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.enter("DetectFaces"); err != nil {
		return nil, err
	}
	if minConfidence > detectConfidence {
		return nil, nil
	}

	img, err := vision.Decode(data)
	if err != nil {
		return nil, faults.Permanent("memindex.DetectFaces", err)
	}
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	blobs := scan(img)
	boxes := make([]faceindex.BoundingBox, 0, len(blobs))
	for _, bl := range blobs {
		sharp, ok := x.sharpness[bl.identity]
		if !ok {
			sharp = DefaultSharpness
		}
		boxes = append(boxes, faceindex.BoundingBox{
			Left:       float64(bl.rect.Min.X-b.Min.X) / w,
			Top:        float64(bl.rect.Min.Y-b.Min.Y) / h,
			Width:      float64(bl.rect.Dx()) / w,
			Height:     float64(bl.rect.Dy()) / h,
			Confidence: detectConfidence,
			Sharpness:  sharp,
		})
	}
	return boxes, nil
}

type blob struct {
	identity string
	pixels   int
	rect     image.Rectangle
}

func analyze(data []byte) ([]blob, error) {
	img, err := vision.Decode(data)
	if err != nil {
		return nil, err
	}
	return scan(img), nil
}

// scan finds colour blocks covering at least minCoverage of img, largest
// first.
func scan(img image.Image) []blob {
	b := img.Bounds()
	found := map[string]*blob{}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			id := classify(img.At(x, y))
			if id == "" {
				continue
			}
			px := image.Rect(x, y, x+1, y+1)
			if bl, ok := found[id]; ok {
				bl.pixels++
				bl.rect = bl.rect.Union(px)
			} else {
				found[id] = &blob{identity: id, pixels: 1, rect: px}
			}
		}
	}

	minPixels := int(float64(b.Dx()*b.Dy()) * minCoverage)
	out := make([]blob, 0, len(found))
	for _, bl := range found {
		if bl.pixels >= minPixels {
			out = append(out, *bl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].pixels != out[j].pixels {
			return out[i].pixels > out[j].pixels
		}
		return out[i].identity < out[j].identity
	})
	return out
}

func classify(c color.Color) string {
	r, g, b, _ := c.RGBA()
	q := func(v uint32) uint8 {
		if v >= 0x8000 {
			return 255
		}
		return 0
	}
	return palette[[3]uint8{q(r), q(g), q(b)}]
}

// Spot is a coloured face block of a Picture.
type Spot struct {
	Colour string
	Rect   image.Rectangle
}

// Picture renders a w x h PNG with the given spots on white.
func Picture(w, h int, spots ...Spot) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for _, s := range spots {
		c, ok := colours[s.Colour]
		if !ok {
			panic("memindex: unknown colour " + s.Colour)
		}
		r := s.Rect.Intersect(img.Bounds())
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				img.SetRGBA(x, y, c)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Portrait is a 100x100 picture with one large face of the given colour.
func Portrait(colour string) []byte {
	return Picture(100, 100, Spot{Colour: colour, Rect: image.Rect(25, 20, 75, 80)})
}

// Blank is a picture without any face.
func Blank() []byte {
	return Picture(100, 100)
}
