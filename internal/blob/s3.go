package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/your-org/eventfaces/internal/faults"
)

// maxDeleteKeys is the DeleteObjects per-request limit.
const maxDeleteKeys = 1000

type S3 struct {
	client *s3.S3
	bucket string
}

func NewS3(sess *session.Session, bucket string) *S3 {
	return &S3{client: s3.New(sess), bucket: bucket}
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyAWS("get "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, faults.Transient("read "+key, err)
	}
	return data, nil
}

func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return classifyAWS("put "+key, err)
	}
	return nil
}

func (s *S3) DeleteBatch(ctx context.Context, keys []string) (DeleteResult, error) {
	var res DeleteResult
	for start := 0; start < len(keys); start += maxDeleteKeys {
		chunk := keys[start:min(start+maxDeleteKeys, len(keys))]

		objects := make([]*s3.ObjectIdentifier, 0, len(chunk))
		for _, key := range chunk {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(key)})
		}
		out, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			if start == 0 {
				return res, classifyAWS("delete objects", err)
			}
			for _, key := range chunk {
				res.Errors = append(res.Errors, KeyError{Key: key, Err: err})
			}
			continue
		}

		failed := make(map[string]bool, len(out.Errors))
		for _, e := range out.Errors {
			key := aws.StringValue(e.Key)
			failed[key] = true
			res.Errors = append(res.Errors, KeyError{
				Key: key,
				Err: fmt.Errorf("%s: %s", aws.StringValue(e.Code), aws.StringValue(e.Message)),
			})
		}
		for _, key := range chunk {
			if !failed[key] {
				res.Deleted = append(res.Deleted, key)
			}
		}
	}
	return res, nil
}

func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

func classifyAWS(op string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return faults.Permanent(op, fmt.Errorf("%w: %v", ErrNotFound, err))
		case s3.ErrCodeNoSuchBucket, "AccessDenied":
			return faults.Permanent(op, err)
		}
	}
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return faults.Transient(op, err)
	}
	return faults.Permanent(op, err)
}
