package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/connection"
	"github.com/marmos91/edgeflow/pkg/store/content"
	contentbadger "github.com/marmos91/edgeflow/pkg/store/content/badger"
	contentfs "github.com/marmos91/edgeflow/pkg/store/content/fs"
	contentmemory "github.com/marmos91/edgeflow/pkg/store/content/memory"
	contents3 "github.com/marmos91/edgeflow/pkg/store/content/s3"
	"github.com/marmos91/edgeflow/pkg/store/repository"
	repobadger "github.com/marmos91/edgeflow/pkg/store/repository/badger"
	repolog "github.com/marmos91/edgeflow/pkg/store/repository/log"
	repomemory "github.com/marmos91/edgeflow/pkg/store/repository/memory"
	"github.com/mitchellh/mapstructure"
)

// decodeOptions decodes a backend option map into out. Durations may be
// given as strings ("30s") and numbers may be quoted.
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(options)
}

// ============================================================================
// Content stores
// ============================================================================

// CreateContentStore creates a content store based on configuration.
//
// Supported types:
//   - "memory": volatile in-memory store
//   - "filesystem": one file per claim (pkg/store/content/fs)
//   - "badger": chunked values in BadgerDB (pkg/store/content/badger)
//   - "s3": one object per claim (pkg/store/content/s3)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Content store configuration
//   - log: Logger handed to the store (nil = default)
//   - s3Metrics: Optional S3 metrics (nil = no metrics)
func CreateContentStore(ctx context.Context, cfg *ContentConfig, log *logger.Logger, s3Metrics contents3.S3Metrics) (content.Store, error) {
	switch cfg.Type {
	case "memory":
		return contentmemory.NewMemoryContentStore(ctx)
	case "filesystem":
		return createFilesystemContentStore(ctx, cfg.Filesystem, log)
	case "badger":
		return createBadgerContentStore(ctx, cfg.Badger, log)
	case "s3":
		return createS3ContentStore(ctx, cfg.S3, log, s3Metrics)
	default:
		return nil, fmt.Errorf("unknown content store type: %q", cfg.Type)
	}
}

func createFilesystemContentStore(ctx context.Context, options map[string]any, log *logger.Logger) (content.Store, error) {
	var fsCfg struct {
		Path         string `mapstructure:"path"`
		MaxOpenFiles int    `mapstructure:"max_open_files"`
		Sync         bool   `mapstructure:"sync"`
	}
	if err := decodeOptions(options, &fsCfg); err != nil {
		return nil, fmt.Errorf("invalid filesystem config: %w", err)
	}
	if fsCfg.Path == "" {
		return nil, fmt.Errorf("filesystem content store: path is required")
	}

	store, err := contentfs.NewFSContentStore(ctx, contentfs.FSContentStoreConfig{
		Path:         fsCfg.Path,
		MaxOpenFiles: fsCfg.MaxOpenFiles,
		Sync:         fsCfg.Sync,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize filesystem store: %w", err)
	}
	return store, nil
}

func createBadgerContentStore(ctx context.Context, options map[string]any, log *logger.Logger) (content.Store, error) {
	var badgerCfg contentbadger.BadgerContentStoreConfig
	if err := decodeOptions(options, &badgerCfg); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}
	if badgerCfg.DBPath == "" && !badgerCfg.InMemory {
		return nil, fmt.Errorf("badger content store: db_path is required")
	}
	badgerCfg.Logger = log

	store, err := contentbadger.NewBadgerContentStore(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger content store: %w", err)
	}
	return store, nil
}

// s3Options represents S3 configuration loaded from YAML files.
type s3Options struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

func createS3ContentStore(ctx context.Context, options map[string]any, log *logger.Logger, metrics contents3.S3Metrics) (content.Store, error) {
	var opts s3Options
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 content store: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("S3 content store: region is required")
	}

	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}

	store, err := contents3.NewS3ContentStore(ctx, contents3.S3ContentStoreConfig{
		Client:    client,
		Bucket:    opts.Bucket,
		KeyPrefix: opts.KeyPrefix,
		Metrics:   metrics,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 store: %w", err)
	}

	log.Info("S3 content store initialized: bucket=%s, region=%s, prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)
	return store, nil
}

// newS3Client builds an S3 client. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain.
func newS3Client(ctx context.Context, opts s3Options) (*awss3.Client, error) {
	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	loadOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(opts.Region),
	}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	loadOptions = append(loadOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		// Custom endpoints (MinIO, Localstack) need path-style addressing
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// ============================================================================
// Flow file repositories
// ============================================================================

// CreateRepository creates a flow file repository based on configuration.
//
// Supported types:
//   - "memory": volatile, nothing survives a restart
//   - "log": segmented append-only log with checkpoints (pkg/store/repository/log)
//   - "badger": BadgerDB-backed (pkg/store/repository/badger)
//
// Parameters:
//   - ctx: Context for initialization (replay of an existing log)
//   - cfg: Repository configuration
//   - log: Logger handed to the repository (nil = default)
//   - metrics: Optional repository metrics (nil = no metrics)
func CreateRepository(ctx context.Context, cfg *FlowFilesConfig, log *logger.Logger, metrics repository.Metrics) (repository.Repository, error) {
	switch cfg.Type {
	case "memory":
		var memCfg repomemory.Config
		if err := decodeOptions(cfg.Memory, &memCfg); err != nil {
			return nil, fmt.Errorf("invalid memory repository config: %w", err)
		}
		memCfg.Metrics = metrics
		return repomemory.NewMemoryRepository(memCfg), nil

	case "log":
		var logCfg repolog.Config
		if err := decodeOptions(cfg.Log, &logCfg); err != nil {
			return nil, fmt.Errorf("invalid log repository config: %w", err)
		}
		if err := validate.Struct(&logCfg); err != nil {
			return nil, fmt.Errorf("log repository: %w", formatValidationError(err))
		}
		logCfg.Logger = log
		logCfg.Metrics = metrics
		repo, err := repolog.Open(ctx, logCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open log repository: %w", err)
		}
		return repo, nil

	case "badger":
		var badgerCfg repobadger.Config
		if err := decodeOptions(cfg.Badger, &badgerCfg); err != nil {
			return nil, fmt.Errorf("invalid badger repository config: %w", err)
		}
		if badgerCfg.DBPath == "" && !badgerCfg.InMemory {
			return nil, fmt.Errorf("badger repository: db_path is required")
		}
		if err := validate.Struct(&badgerCfg); err != nil {
			return nil, fmt.Errorf("badger repository: %w", formatValidationError(err))
		}
		badgerCfg.Logger = log
		badgerCfg.Metrics = metrics
		repo, err := repobadger.Open(ctx, badgerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger repository: %w", err)
		}
		return repo, nil

	default:
		return nil, fmt.Errorf("unknown flow file repository type: %q", cfg.Type)
	}
}

// ============================================================================
// Connections
// ============================================================================

// CreateConnections builds every configured connection.
func CreateConnections(cfgs []ConnectionConfig, log *logger.Logger, metrics connection.Metrics) ([]*connection.Connection, error) {
	conns := make([]*connection.Connection, 0, len(cfgs))
	for i, c := range cfgs {
		prioritizer, err := connection.ParsePrioritizer(c.Prioritizer)
		if err != nil {
			return nil, fmt.Errorf("connections[%d]: %w", i, err)
		}

		conn, err := connection.New(connection.Config{
			ID:            c.ID,
			Name:          c.Name,
			Source:        c.Source,
			Destination:   c.Destination,
			Relationships: c.Relationships,
			Prioritizer:   prioritizer,
			MaxQueueSize:  c.MaxQueueSize,
			MaxQueueBytes: c.MaxQueueBytes,
			Expiration:    c.Expiration,
			Logger:        log,
			Metrics:       metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("connections[%d]: %w", i, err)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}
