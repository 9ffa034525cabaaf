package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	NATS     NATSConfig     `yaml:"nats"`
	SQS      SQSConfig      `yaml:"sqs"`
	Blob     BlobConfig     `yaml:"blob"`
	MinIO    MinIOConfig    `yaml:"minio"`
	S3       S3Config       `yaml:"s3"`
	AWS      AWSConfig      `yaml:"aws"`
	Faces    FacesConfig    `yaml:"faces"`
	Matching MatchingConfig `yaml:"matching"`
	Worker   WorkerConfig   `yaml:"worker"`
	Retry    RetryConfig    `yaml:"retry"`
	Vision   VisionConfig   `yaml:"vision"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sentry   SentryConfig   `yaml:"sentry"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	APIKey      string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type QueueConfig struct {
	Driver            string        `yaml:"driver"`
	MaxMessages       int           `yaml:"max_messages"`
	WaitTime          time.Duration `yaml:"wait_time"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

type NATSConfig struct {
	URL        string `yaml:"url"`
	Consumer   string `yaml:"consumer"`
	MaxDeliver int    `yaml:"max_deliver"`
}

type SQSConfig struct {
	QueueURL string `yaml:"queue_url"`
}

type BlobConfig struct {
	Driver string `yaml:"driver"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type S3Config struct {
	Bucket string `yaml:"bucket"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
}

type FacesConfig struct {
	Provider            string  `yaml:"provider"`
	CollectionPrefix    string  `yaml:"collection_prefix"`
	DetectionConfidence float64 `yaml:"detection_confidence"`
	CropPadding         float64 `yaml:"crop_padding"`
	MinCropSize         int     `yaml:"min_crop_size"`
	MaxSearchResults    int     `yaml:"max_search_results"`
	MaxConcurrentCalls  int     `yaml:"max_concurrent_calls"`
	SearchFanout        int     `yaml:"search_fanout"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
}

type MatchingConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type WorkerConfig struct {
	Count           int           `yaml:"count"`
	DeleteBatchSize int           `yaml:"delete_batch_size"`
	ErrorLimit      int           `yaml:"error_limit"`
	OrphanGrace     time.Duration `yaml:"orphan_grace"`
	PollBackoff     time.Duration `yaml:"poll_backoff"`
	MaxPollBackoff  time.Duration `yaml:"max_poll_backoff"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	Engine             string  `yaml:"engine"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	// ONNXLibrary is the onnxruntime shared library; empty uses the
	// platform's default name.
	ONNXLibrary string `yaml:"onnx_library"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Load reads config from YAML file and applies environment variable overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and out-of-range values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Queue.Driver {
	case "nats", "sqs", "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.driver %q: want nats, sqs or memory", c.Queue.Driver))
	}
	if c.Queue.Driver == "sqs" && c.SQS.QueueURL == "" {
		errs = append(errs, errors.New("sqs.queue_url is required for the sqs driver"))
	}
	switch c.Blob.Driver {
	case "minio", "s3", "memory":
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q: want minio, s3 or memory", c.Blob.Driver))
	}
	switch c.Faces.Provider {
	case "rekognition", "local":
	default:
		errs = append(errs, fmt.Errorf("faces.provider %q: want rekognition or local", c.Faces.Provider))
	}
	switch c.Vision.Engine {
	case "onnx", "dlib":
	default:
		errs = append(errs, fmt.Errorf("vision.engine %q: want onnx or dlib", c.Vision.Engine))
	}
	if c.Matching.Threshold < 0 || c.Matching.Threshold > 100 {
		errs = append(errs, fmt.Errorf("matching.threshold %.1f out of range [0,100]", c.Matching.Threshold))
	}
	if c.Faces.DetectionConfidence < 0 || c.Faces.DetectionConfidence > 100 {
		errs = append(errs, fmt.Errorf("faces.detection_confidence %.1f out of range [0,100]", c.Faces.DetectionConfidence))
	}
	if c.Faces.CropPadding < 0 || c.Faces.CropPadding >= 1 {
		errs = append(errs, fmt.Errorf("faces.crop_padding %.2f out of range [0,1)", c.Faces.CropPadding))
	}
	if c.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker.count must be positive"))
	}
	return errors.Join(errs...)
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "nats"
	}
	if cfg.Queue.MaxMessages == 0 {
		cfg.Queue.MaxMessages = 5
	}
	if cfg.Queue.WaitTime == 0 {
		cfg.Queue.WaitTime = 20 * time.Second
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = 15 * time.Minute
	}
	if cfg.NATS.Consumer == "" {
		cfg.NATS.Consumer = "eventfaces-worker"
	}
	if cfg.Blob.Driver == "" {
		cfg.Blob.Driver = "minio"
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.Faces.Provider == "" {
		cfg.Faces.Provider = "rekognition"
	}
	if cfg.Faces.DetectionConfidence == 0 {
		cfg.Faces.DetectionConfidence = 90
	}
	if cfg.Faces.CropPadding == 0 {
		cfg.Faces.CropPadding = 0.25
	}
	if cfg.Faces.MinCropSize == 0 {
		cfg.Faces.MinCropSize = 240
	}
	if cfg.Faces.MaxSearchResults == 0 {
		cfg.Faces.MaxSearchResults = 1000
	}
	if cfg.Faces.MaxConcurrentCalls == 0 {
		cfg.Faces.MaxConcurrentCalls = 10
	}
	if cfg.Faces.SearchFanout == 0 {
		cfg.Faces.SearchFanout = 2
	}
	if cfg.Matching.Threshold == 0 {
		cfg.Matching.Threshold = 70
	}
	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = 2
	}
	if cfg.Worker.DeleteBatchSize == 0 {
		cfg.Worker.DeleteBatchSize = 50
	}
	if cfg.Worker.ErrorLimit == 0 {
		cfg.Worker.ErrorLimit = 50
	}
	if cfg.Worker.OrphanGrace == 0 {
		cfg.Worker.OrphanGrace = 2 * time.Minute
	}
	if cfg.Worker.PollBackoff == 0 {
		cfg.Worker.PollBackoff = time.Second
	}
	if cfg.Worker.MaxPollBackoff == 0 {
		cfg.Worker.MaxPollBackoff = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 200 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 5 * time.Second
	}
	if cfg.Vision.Engine == "" {
		cfg.Vision.Engine = "onnx"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	envInt("EF_SERVER_PORT", &cfg.Server.Port)
	envInt("EF_METRICS_PORT", &cfg.Server.MetricsPort)
	envString("EF_API_KEY", &cfg.Server.APIKey)

	envString("EF_DB_HOST", &cfg.Database.Host)
	envInt("EF_DB_PORT", &cfg.Database.Port)
	envString("EF_DB_NAME", &cfg.Database.Name)
	envString("EF_DB_USER", &cfg.Database.User)
	envString("EF_DB_PASSWORD", &cfg.Database.Password)

	envString("EF_QUEUE_DRIVER", &cfg.Queue.Driver)
	envDuration("EF_QUEUE_VISIBILITY_TIMEOUT", &cfg.Queue.VisibilityTimeout)
	envString("EF_NATS_URL", &cfg.NATS.URL)
	envString("EF_SQS_QUEUE_URL", &cfg.SQS.QueueURL)

	envString("EF_BLOB_DRIVER", &cfg.Blob.Driver)
	envString("EF_MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	envString("EF_MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	envString("EF_MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	envString("EF_MINIO_BUCKET", &cfg.MinIO.Bucket)
	envString("EF_S3_BUCKET", &cfg.S3.Bucket)

	envString("EF_AWS_REGION", &cfg.AWS.Region)
	envString("EF_AWS_ACCESS_KEY_ID", &cfg.AWS.AccessKeyID)
	envString("EF_AWS_SECRET_ACCESS_KEY", &cfg.AWS.SecretAccessKey)
	envString("EF_AWS_ENDPOINT", &cfg.AWS.Endpoint)

	envString("EF_FACES_PROVIDER", &cfg.Faces.Provider)
	envString("EF_FACES_COLLECTION_PREFIX", &cfg.Faces.CollectionPrefix)
	envFloat("EF_MATCH_THRESHOLD", &cfg.Matching.Threshold)

	envInt("EF_WORKER_COUNT", &cfg.Worker.Count)
	envString("EF_MODELS_DIR", &cfg.Vision.ModelsDir)
	envString("EF_VISION_ENGINE", &cfg.Vision.Engine)
	envString("EF_ONNX_LIBRARY", &cfg.Vision.ONNXLibrary)

	envString("EF_LOG_LEVEL", &cfg.Logging.Level)
	envString("EF_LOG_FORMAT", &cfg.Logging.Format)
	envString("EF_SENTRY_DSN", &cfg.Sentry.DSN)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
