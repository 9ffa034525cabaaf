// Package local implements faceindex.Service on a local vision engine and
// pgvector. Collections and faces live in the face_collections and
// face_vectors tables next to the rest of the pipeline's data.
package local

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/eventfaces/internal/faceindex"
	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/vision"
)

const listPageSize = 1000

// ErrUnknownCollection is returned for operations on a collection that was
// never created.
var ErrUnknownCollection = errors.New("collection does not exist")

// ErrUnknownFace is returned by SearchByRef for a face_ref not in the collection.
var ErrUnknownFace = errors.New("face does not exist")

type Options struct {
	CropPadding float64
	MinCropSize int
}

type Provider struct {
	pool   *pgxpool.Pool
	engine vision.Engine
	opts   Options
}

var (
	_ faceindex.Service   = (*Provider)(nil)
	_ faceindex.TagLister = (*Provider)(nil)
)

func New(pool *pgxpool.Pool, engine vision.Engine, opts Options) *Provider {
	return &Provider{pool: pool, engine: engine, opts: opts}
}

func (p *Provider) EnsureCollection(ctx context.Context, collection string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO face_collections (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, collection)
	if err != nil {
		return faults.Transient("local.EnsureCollection", err)
	}
	return nil
}

func (p *Provider) requireCollection(ctx context.Context, op, collection string) error {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM face_collections WHERE id = $1)`, collection).Scan(&exists)
	if err != nil {
		return faults.Transient(op, err)
	}
	if !exists {
		return faults.Permanent(op, fmt.Errorf("%w: %s", ErrUnknownCollection, collection))
	}
	return nil
}

// Index embeds up to maxFaces of the largest faces in image. When the
// detector finds nothing, the whole image is embedded instead so that a
// close-up selfie still yields a reference.
func (p *Provider) Index(ctx context.Context, collection string, data []byte, tag string, maxFaces int) ([]faceindex.IndexedFace, error) {
	const op = "local.Index"
	if err := p.requireCollection(ctx, op, collection); err != nil {
		return nil, err
	}

	img, err := vision.Decode(data)
	if err != nil {
		return nil, faults.Permanent(op, err)
	}

	embeddings, err := p.embedFaces(img, maxFaces)
	if err != nil {
		return nil, faults.Permanent(op, err)
	}

	faces := make([]faceindex.IndexedFace, 0, len(embeddings))
	for _, emb := range embeddings {
		ref := uuid.NewString()
		_, err := p.pool.Exec(ctx,
			`INSERT INTO face_vectors (collection, face_ref, tag, embedding) VALUES ($1, $2, $3, $4)`,
			collection, ref, tag, pgvector.NewVector(emb))
		if err != nil {
			return nil, faults.Transient(op, err)
		}
		faces = append(faces, faceindex.IndexedFace{FaceRef: ref, Tag: tag})
	}
	return faces, nil
}

// embedFaces returns embeddings of the largest detected faces, or of the
// whole image when none is detected. An engine that cannot embed the whole
// image yields nothing.
func (p *Provider) embedFaces(img image.Image, maxFaces int) ([][]float32, error) {
	detected, err := p.engine.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	if len(detected) == 0 {
		emb, err := p.engine.Embed(img)
		if errors.Is(err, vision.ErrNoFace) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("embed image: %w", err)
		}
		return [][]float32{emb}, nil
	}

	sort.SliceStable(detected, func(i, j int) bool {
		return area(detected[i].Rect) > area(detected[j].Rect)
	})
	if maxFaces > 0 && len(detected) > maxFaces {
		detected = detected[:maxFaces]
	}

	out := make([][]float32, 0, len(detected))
	for _, f := range detected {
		crop := vision.CropFace(img, f.Rect, p.opts.CropPadding, p.opts.MinCropSize)
		if crop == nil {
			continue
		}
		emb, err := p.engine.Embed(crop)
		if errors.Is(err, vision.ErrNoFace) {
			slog.Debug("face crop not embeddable", "rect", f.Rect.String())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("embed face: %w", err)
		}
		out = append(out, emb)
	}
	return out, nil
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}

func (p *Provider) SearchByRef(ctx context.Context, collection, faceRef string, maxResults int, threshold float64) ([]faceindex.Match, error) {
	const op = "local.SearchByRef"

	rows, err := p.pool.Query(ctx, `
		WITH probe AS (
			SELECT embedding FROM face_vectors WHERE collection = $1 AND face_ref = $2
		)
		SELECT v.face_ref, v.tag, 100 * (1 - (v.embedding <=> probe.embedding)) AS similarity
		FROM face_vectors v, probe
		WHERE v.collection = $1
		  AND v.face_ref <> $2
		  AND vector_dims(v.embedding) = vector_dims(probe.embedding)
		  AND 100 * (1 - (v.embedding <=> probe.embedding)) >= $3
		ORDER BY v.embedding <=> probe.embedding
		LIMIT $4`,
		collection, faceRef, threshold, maxResults)
	if err != nil {
		return nil, faults.Transient(op, err)
	}
	matches, err := scanMatches(rows)
	if err != nil {
		return nil, faults.Transient(op, err)
	}
	if len(matches) > 0 {
		return matches, nil
	}

	var exists bool
	err = p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM face_vectors WHERE collection = $1 AND face_ref = $2)`,
		collection, faceRef).Scan(&exists)
	if err != nil {
		return nil, faults.Transient(op, err)
	}
	if !exists {
		return nil, faults.Permanent(op, fmt.Errorf("%w: %s", ErrUnknownFace, faceRef))
	}
	return nil, nil
}

// SearchByImage searches with the largest face in image. An image without
// a usable face matches nothing.
func (p *Provider) SearchByImage(ctx context.Context, collection string, data []byte, maxResults int, threshold float64) ([]faceindex.Match, error) {
	const op = "local.SearchByImage"
	if err := p.requireCollection(ctx, op, collection); err != nil {
		return nil, err
	}

	img, err := vision.Decode(data)
	if err != nil {
		return nil, faults.Permanent(op, err)
	}
	embeddings, err := p.embedFaces(img, 1)
	if err != nil {
		return nil, faults.Permanent(op, err)
	}
	if len(embeddings) == 0 {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT face_ref, tag, 100 * (1 - (embedding <=> $2)) AS similarity
		FROM face_vectors
		WHERE collection = $1
		  AND vector_dims(embedding) = $5
		  AND 100 * (1 - (embedding <=> $2)) >= $3
		ORDER BY embedding <=> $2
		LIMIT $4`,
		collection, pgvector.NewVector(embeddings[0]), threshold, maxResults, len(embeddings[0]))
	if err != nil {
		return nil, faults.Transient(op, err)
	}
	matches, err := scanMatches(rows)
	if err != nil {
		return nil, faults.Transient(op, err)
	}
	return matches, nil
}

type matchRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

func scanMatches(rows matchRows) ([]faceindex.Match, error) {
	defer rows.Close()

	var out []faceindex.Match
	for rows.Next() {
		var m faceindex.Match
		if err := rows.Scan(&m.FaceRef, &m.Tag, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.Similarity = min(max(m.Similarity, 0), 100)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListFaces pages through a collection ordered by face_ref. The page token
// is the last face_ref of the previous page.
func (p *Provider) ListFaces(ctx context.Context, collection, pageToken string) ([]faceindex.IndexedFace, string, error) {
	const op = "local.ListFaces"
	if err := p.requireCollection(ctx, op, collection); err != nil {
		return nil, "", err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT face_ref, tag FROM face_vectors
		WHERE collection = $1 AND face_ref > $2
		ORDER BY face_ref
		LIMIT $3`,
		collection, pageToken, listPageSize)
	if err != nil {
		return nil, "", faults.Transient(op, err)
	}
	defer rows.Close()

	var faces []faceindex.IndexedFace
	for rows.Next() {
		var f faceindex.IndexedFace
		if err := rows.Scan(&f.FaceRef, &f.Tag); err != nil {
			return nil, "", faults.Transient(op, err)
		}
		faces = append(faces, f)
	}
	if err := rows.Err(); err != nil {
		return nil, "", faults.Transient(op, err)
	}

	next := ""
	if len(faces) == listPageSize {
		next = faces[len(faces)-1].FaceRef
	}
	return faces, next, nil
}

func (p *Provider) FacesByTag(ctx context.Context, collection, tag string) ([]faceindex.IndexedFace, error) {
	const op = "local.FacesByTag"
	if err := p.requireCollection(ctx, op, collection); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT face_ref, tag FROM face_vectors WHERE collection = $1 AND tag = $2 ORDER BY face_ref`,
		collection, tag)
	if err != nil {
		return nil, faults.Transient(op, err)
	}
	faces, err := pgx.CollectRows(rows, pgx.RowToStructByPos[faceindex.IndexedFace])
	if err != nil {
		return nil, faults.Transient(op, err)
	}
	return faces, nil
}

func (p *Provider) DeleteFaces(ctx context.Context, collection string, faceRefs []string) error {
	if len(faceRefs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`DELETE FROM face_vectors WHERE collection = $1 AND face_ref = ANY($2)`, collection, faceRefs)
	if err != nil {
		return faults.Transient("local.DeleteFaces", err)
	}
	return nil
}

// DetectFaces runs the engine's detector. Sharpness is measured on the
// unpadded face crop.
func (p *Provider) DetectFaces(_ context.Context, data []byte, minConfidence float64) ([]faceindex.BoundingBox, error) {
	const op = "local.DetectFaces"

	img, err := vision.Decode(data)
	if err != nil {
		return nil, faults.Permanent(op, err)
	}
	detected, err := p.engine.Detect(img)
	if err != nil {
		return nil, faults.Permanent(op, err)
	}

	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	boxes := make([]faceindex.BoundingBox, 0, len(detected))
	for _, f := range detected {
		if f.Confidence < minConfidence {
			continue
		}
		r := f.Rect.Intersect(b)
		if r.Empty() {
			continue
		}
		box := faceindex.BoundingBox{
			Left:       float64(r.Min.X-b.Min.X) / w,
			Top:        float64(r.Min.Y-b.Min.Y) / h,
			Width:      float64(r.Dx()) / w,
			Height:     float64(r.Dy()) / h,
			Confidence: f.Confidence,
		}
		if crop := vision.CropFace(img, r, 0, 0); crop != nil {
			box.Sharpness = vision.Sharpness(crop)
		}
		boxes = append(boxes, box)
	}
	slog.Debug("local detection", "faces", len(boxes), "width", b.Dx(), "height", b.Dy())
	return boxes, nil
}
