// Package rekognition implements faceindex.Service on Amazon Rekognition
// face collections. Tags are stored as the ExternalImageId of each face.
package rekognition

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/rekognition"

	"github.com/your-org/eventfaces/internal/faceindex"
	"github.com/your-org/eventfaces/internal/faults"
)

const (
	listPageSize   = 1000
	maxDeleteBatch = 4096
)

type Provider struct {
	client *rekognition.Rekognition
}

var _ faceindex.Service = (*Provider)(nil)

func New(sess *session.Session) *Provider {
	return &Provider{client: rekognition.New(sess)}
}

func (p *Provider) EnsureCollection(ctx context.Context, collection string) error {
	_, err := p.client.CreateCollectionWithContext(ctx, &rekognition.CreateCollectionInput{
		CollectionId: aws.String(collection),
	})
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == rekognition.ErrCodeResourceAlreadyExistsException {
		return nil
	}
	return classify("CreateCollection", err)
}

func (p *Provider) Index(ctx context.Context, collection string, image []byte, tag string, maxFaces int) ([]faceindex.IndexedFace, error) {
	out, err := p.client.IndexFacesWithContext(ctx, &rekognition.IndexFacesInput{
		CollectionId:    aws.String(collection),
		Image:           &rekognition.Image{Bytes: image},
		ExternalImageId: aws.String(tag),
		MaxFaces:        aws.Int64(int64(maxFaces)),
		QualityFilter:   aws.String(rekognition.QualityFilterNone),
	})
	if err != nil {
		return nil, classify("IndexFaces", err)
	}

	faces := make([]faceindex.IndexedFace, 0, len(out.FaceRecords))
	for _, rec := range out.FaceRecords {
		if rec.Face == nil {
			continue
		}
		faces = append(faces, faceindex.IndexedFace{
			FaceRef: aws.StringValue(rec.Face.FaceId),
			Tag:     aws.StringValue(rec.Face.ExternalImageId),
		})
	}
	return faces, nil
}

func (p *Provider) SearchByRef(ctx context.Context, collection, faceRef string, maxResults int, threshold float64) ([]faceindex.Match, error) {
	out, err := p.client.SearchFacesWithContext(ctx, &rekognition.SearchFacesInput{
		CollectionId:       aws.String(collection),
		FaceId:             aws.String(faceRef),
		MaxFaces:           aws.Int64(int64(maxResults)),
		FaceMatchThreshold: aws.Float64(threshold),
	})
	if err != nil {
		return nil, classify("SearchFaces", err)
	}
	return matches(out.FaceMatches), nil
}

func (p *Provider) SearchByImage(ctx context.Context, collection string, image []byte, maxResults int, threshold float64) ([]faceindex.Match, error) {
	out, err := p.client.SearchFacesByImageWithContext(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId:       aws.String(collection),
		Image:              &rekognition.Image{Bytes: image},
		MaxFaces:           aws.Int64(int64(maxResults)),
		FaceMatchThreshold: aws.Float64(threshold),
		QualityFilter:      aws.String(rekognition.QualityFilterNone),
	})
	if err != nil {
		// Rekognition rejects images without a face instead of returning no matches.
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == rekognition.ErrCodeInvalidParameterException &&
			strings.Contains(strings.ToLower(aerr.Message()), "no faces") {
			return nil, nil
		}
		return nil, classify("SearchFacesByImage", err)
	}
	return matches(out.FaceMatches), nil
}

func matches(in []*rekognition.FaceMatch) []faceindex.Match {
	out := make([]faceindex.Match, 0, len(in))
	for _, m := range in {
		if m.Face == nil {
			continue
		}
		out = append(out, faceindex.Match{
			FaceRef:    aws.StringValue(m.Face.FaceId),
			Tag:        aws.StringValue(m.Face.ExternalImageId),
			Similarity: aws.Float64Value(m.Similarity),
		})
	}
	return out
}

func (p *Provider) ListFaces(ctx context.Context, collection, pageToken string) ([]faceindex.IndexedFace, string, error) {
	in := &rekognition.ListFacesInput{
		CollectionId: aws.String(collection),
		MaxResults:   aws.Int64(listPageSize),
	}
	if pageToken != "" {
		in.NextToken = aws.String(pageToken)
	}
	out, err := p.client.ListFacesWithContext(ctx, in)
	if err != nil {
		return nil, "", classify("ListFaces", err)
	}

	faces := make([]faceindex.IndexedFace, 0, len(out.Faces))
	for _, f := range out.Faces {
		faces = append(faces, faceindex.IndexedFace{
			FaceRef: aws.StringValue(f.FaceId),
			Tag:     aws.StringValue(f.ExternalImageId),
		})
	}
	return faces, aws.StringValue(out.NextToken), nil
}

func (p *Provider) DeleteFaces(ctx context.Context, collection string, faceRefs []string) error {
	for start := 0; start < len(faceRefs); start += maxDeleteBatch {
		chunk := faceRefs[start:min(start+maxDeleteBatch, len(faceRefs))]
		_, err := p.client.DeleteFacesWithContext(ctx, &rekognition.DeleteFacesInput{
			CollectionId: aws.String(collection),
			FaceIds:      aws.StringSlice(chunk),
		})
		if err != nil {
			return classify("DeleteFaces", err)
		}
	}
	return nil
}

func (p *Provider) DetectFaces(ctx context.Context, image []byte, minConfidence float64) ([]faceindex.BoundingBox, error) {
	out, err := p.client.DetectFacesWithContext(ctx, &rekognition.DetectFacesInput{
		Image:      &rekognition.Image{Bytes: image},
		Attributes: aws.StringSlice([]string{rekognition.AttributeDefault}),
	})
	if err != nil {
		return nil, classify("DetectFaces", err)
	}

	boxes := make([]faceindex.BoundingBox, 0, len(out.FaceDetails))
	for _, d := range out.FaceDetails {
		conf := aws.Float64Value(d.Confidence)
		if d.BoundingBox == nil || conf < minConfidence {
			continue
		}
		box := faceindex.BoundingBox{
			Left:       aws.Float64Value(d.BoundingBox.Left),
			Top:        aws.Float64Value(d.BoundingBox.Top),
			Width:      aws.Float64Value(d.BoundingBox.Width),
			Height:     aws.Float64Value(d.BoundingBox.Height),
			Confidence: conf,
		}
		if d.Quality != nil {
			box.Sharpness = aws.Float64Value(d.Quality.Sharpness)
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

// classify maps Rekognition errors onto the fault taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	op = "rekognition." + op

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case rekognition.ErrCodeThrottlingException,
			rekognition.ErrCodeProvisionedThroughputExceededException,
			rekognition.ErrCodeInternalServerError,
			rekognition.ErrCodeLimitExceededException:
			return faults.Transient(op, err)
		case rekognition.ErrCodeInvalidParameterException,
			rekognition.ErrCodeInvalidImageFormatException,
			rekognition.ErrCodeImageTooLargeException,
			rekognition.ErrCodeResourceNotFoundException,
			rekognition.ErrCodeAccessDeniedException:
			return faults.Permanent(op, err)
		}
	}
	if request.IsErrorThrottle(err) || request.IsErrorRetryable(err) {
		return faults.Transient(op, err)
	}
	return faults.Permanent(op, err)
}
