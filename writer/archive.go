package writer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	appconfig "depthflow/config"
	"depthflow/logger"
)

// putObjectAPI is the part of *s3.Client the archiver needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads finished output files, at most UploadsPerSecond at a
// time, under a hive-style key layout.
type S3Archiver struct {
	client  putObjectAPI
	bucket  string
	prefix  string
	limiter *rate.Limiter
	log     *logger.Log
}

// NewS3Archiver builds the S3 client from cfg, using static credentials when
// both keys are set and the default chain otherwise.
func NewS3Archiver(ctx context.Context, cfg appconfig.S3Config) (*S3Archiver, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	logger.GetLogger().WithComponent("s3_archiver").WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"region": cfg.Region,
		"prefix": cfg.Prefix,
	}).Info("s3 archiver initialized")

	return newS3Archiver(client, cfg.Bucket, cfg.Prefix, cfg.UploadsPerSecond), nil
}

func newS3Archiver(client putObjectAPI, bucket, prefix string, uploadsPerSecond float64) *S3Archiver {
	if uploadsPerSecond <= 0 {
		uploadsPerSecond = 10
	}
	burst := int(uploadsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &S3Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		limiter: rate.NewLimiter(rate.Limit(uploadsPerSecond), burst),
		log:     logger.GetLogger(),
	}
}

// ArchiveKey maps <exchange>/<symbol>/<kind>/<file> onto
// <prefix>/exchange=<exchange>/symbol=<symbol>/<kind>/<file>.
func ArchiveKey(prefix, file string) string {
	kindDir := filepath.Dir(file)
	symbolDir := filepath.Dir(kindDir)
	exchangeDir := filepath.Dir(symbolDir)
	key := path.Join(
		"exchange="+filepath.Base(exchangeDir),
		"symbol="+filepath.Base(symbolDir),
		filepath.Base(kindDir),
		filepath.Base(file),
	)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// Archive uploads files in order and stops at the first failure.
func (a *S3Archiver) Archive(ctx context.Context, files ...string) error {
	for _, f := range files {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := a.upload(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (a *S3Archiver) upload(ctx context.Context, file string) error {
	start := time.Now()
	fh, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer fh.Close()
	fi, err := fh.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", file, err)
	}

	key := ArchiveKey(a.prefix, file)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          fh,
		ContentLength: aws.Int64(fi.Size()),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}

	a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"key":         key,
		"size_bytes":  fi.Size(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("file archived")
	return nil
}
