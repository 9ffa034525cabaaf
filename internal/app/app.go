// Package app wires the configured backends shared by the worker, the API
// and the ops CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/your-org/eventfaces/internal/awsclient"
	"github.com/your-org/eventfaces/internal/blob"
	"github.com/your-org/eventfaces/internal/config"
	"github.com/your-org/eventfaces/internal/faceindex"
	"github.com/your-org/eventfaces/internal/faceindex/local"
	"github.com/your-org/eventfaces/internal/faceindex/rekognition"
	"github.com/your-org/eventfaces/internal/faces"
	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/matching"
	"github.com/your-org/eventfaces/internal/queue"
	"github.com/your-org/eventfaces/internal/retry"
	"github.com/your-org/eventfaces/internal/storage"
	"github.com/your-org/eventfaces/internal/vision"
	"github.com/your-org/eventfaces/internal/vision/dlib"
)

// App holds the open connections. Close releases them in reverse order.
type App struct {
	Config *config.Config
	Store  *storage.PostgresStore
	Blobs  blob.Store
	Queue  queue.Queue

	aws     *session.Session
	closers []func()
}

// Open connects to Postgres, the blob store and the queue.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	a.Store = db
	a.closers = append(a.closers, db.Close)
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	switch cfg.Blob.Driver {
	case "s3":
		sess, err := a.session()
		if err != nil {
			return err
		}
		a.Blobs = blob.NewS3(sess, cfg.S3.Bucket)
	case "memory":
		slog.Warn("using in-memory blob store")
		a.Blobs = blob.NewMemory()
	default:
		m, err := blob.NewMinIO(blob.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		a.Blobs = m
	}
	a.Blobs = blob.NewRetrying(a.Blobs, a.retryPolicy())

	switch cfg.Queue.Driver {
	case "sqs":
		sess, err := a.session()
		if err != nil {
			return err
		}
		a.Queue = queue.NewSQS(sess, cfg.SQS.QueueURL)
	case "memory":
		slog.Warn("using in-memory queue")
		a.Queue = queue.NewMemory()
	default:
		q, err := queue.NewNATS(ctx, queue.NATSConfig{
			URL:        cfg.NATS.URL,
			Consumer:   cfg.NATS.Consumer,
			AckWait:    cfg.Queue.VisibilityTimeout,
			MaxDeliver: cfg.NATS.MaxDeliver,
		})
		if err != nil {
			return err
		}
		a.Queue = q
	}
	a.closers = append(a.closers, a.Queue.Close)
	return nil
}

func (a *App) retryPolicy() retry.Policy {
	cfg := a.Config.Retry
	return retry.New(cfg.MaxAttempts, cfg.BaseDelay, cfg.MaxDelay)
}

func (a *App) session() (*session.Session, error) {
	if a.aws != nil {
		return a.aws, nil
	}
	sess, err := awsclient.NewSession(awsclient.Config{
		Region:          a.Config.AWS.Region,
		AccessKeyID:     a.Config.AWS.AccessKeyID,
		SecretAccessKey: a.Config.AWS.SecretAccessKey,
		Endpoint:        a.Config.AWS.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	a.aws = sess
	return sess, nil
}

// Submitter creates jobs in the store and enqueues them.
func (a *App) Submitter() *jobs.Submitter {
	return jobs.NewSubmitter(a.Store, a.Queue)
}

// FaceIndex builds the configured provider behind the concurrency, rate and
// retry guard.
func (a *App) FaceIndex() (faceindex.Service, error) {
	cfg := a.Config

	var provider faceindex.Service
	switch cfg.Faces.Provider {
	case "local":
		engine, err := a.visionEngine()
		if err != nil {
			return nil, err
		}
		provider = local.New(a.Store.Pool(), engine, local.Options{
			CropPadding: cfg.Faces.CropPadding,
			MinCropSize: cfg.Faces.MinCropSize,
		})
	default:
		sess, err := a.session()
		if err != nil {
			return nil, err
		}
		provider = rekognition.New(sess)
	}

	policy := a.retryPolicy()
	slog.Info("face index ready",
		"provider", cfg.Faces.Provider,
		"max_concurrent", cfg.Faces.MaxConcurrentCalls,
		"rps", cfg.Faces.RequestsPerSecond,
	)
	return faceindex.NewGuard(provider, cfg.Faces.MaxConcurrentCalls, cfg.Faces.RequestsPerSecond, policy), nil
}

func (a *App) visionEngine() (vision.Engine, error) {
	cfg := a.Config.Vision
	if cfg.Engine == "dlib" {
		engine, err := dlib.New(cfg.ModelsDir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, engine.Close)
		return engine, nil
	}

	destroy, err := vision.InitONNXRuntime(cfg.ONNXLibrary)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, destroy)
	engine, err := vision.NewONNXEngine(cfg.ModelsDir, cfg.DetectionThreshold)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, engine.Close)
	return engine, nil
}

// Orchestrator builds the face index orchestrator with fresh caches.
func (a *App) Orchestrator() (*faces.Orchestrator, error) {
	index, err := a.FaceIndex()
	if err != nil {
		return nil, fmt.Errorf("face index: %w", err)
	}
	cfg := a.Config.Faces
	return faces.New(index, a.Store, a.Store, a.Blobs, faces.Options{
		CollectionPrefix:    cfg.CollectionPrefix,
		DetectionConfidence: cfg.DetectionConfidence,
		CropPadding:         cfg.CropPadding,
		MinCropSize:         cfg.MinCropSize,
		MaxSearchResults:    cfg.MaxSearchResults,
	}, faces.Caches{}), nil
}

// Engine builds the matching engine on top of orch.
func (a *App) Engine(orch *faces.Orchestrator) *matching.Engine {
	return matching.New(orch, a.Store, a.Store, matching.Options{
		Threshold: a.Config.Matching.Threshold,
		Fanout:    a.Config.Faces.SearchFanout,
	})
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
