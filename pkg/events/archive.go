package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/platinummonkey/keel/pkg/async"
	"github.com/platinummonkey/keel/pkg/observability"
)

// ObjectPutter is the part of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the archive bucket
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Client builds an S3 client from the default AWS credential chain,
// or from static keys when they are set. Endpoint targets S3-compatible
// stores such as MinIO.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Archiver exports events older than a retention window to S3 as one JSON
// lines object per UTC day, then prunes them from the store.
type Archiver struct {
	store     Store
	client    ObjectPutter
	bucket    string
	prefix    string
	retention time.Duration
	logger    *observability.Logger
	now       func() time.Time
}

// NewArchiver creates an archiver writing under prefix in bucket
func NewArchiver(store Store, client ObjectPutter, bucket, prefix string, retention time.Duration, logger *observability.Logger) *Archiver {
	return &Archiver{
		store:     store,
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		retention: retention,
		logger:    logger.WithComponent("event-archive"),
		now:       time.Now,
	}
}

type archiveObject struct {
	key  string
	body []byte
}

// Run archives and prunes one retention window. Nothing is pruned unless
// every object was uploaded.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.now().UTC().Add(-a.retention)

	days := make(map[string]*bytes.Buffer)
	err := a.store.Range(ctx, cutoff, func(ev *Event) error {
		day := ev.CreatedAt.UTC().Format("2006-01-02")
		buf, ok := days[day]
		if !ok {
			buf = &bytes.Buffer{}
			days[day] = buf
		}
		return json.NewEncoder(buf).Encode(ev)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}
	if len(days) == 0 {
		return 0, nil
	}

	objects := make([]archiveObject, 0, len(days))
	stamp := cutoff.Format("20060102T150405Z")
	for day, buf := range days {
		objects = append(objects, archiveObject{
			key:  fmt.Sprintf("%s%s/events-%s.jsonl", a.prefix, day, stamp),
			body: buf.Bytes(),
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].key < objects[j].key })

	errs := async.Batch(ctx, a.logger, objects, 4, "event-archive-upload", time.Minute,
		func(ctx context.Context, obj archiveObject) error {
			_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(a.bucket),
				Key:         aws.String(obj.key),
				Body:        bytes.NewReader(obj.body),
				ContentType: aws.String("application/x-ndjson"),
			})
			if err != nil {
				return fmt.Errorf("upload %s: %w", obj.key, err)
			}
			return nil
		})
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}

	pruned, err := a.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	a.logger.WithFields(map[string]interface{}{
		"objects": len(objects),
		"events":  pruned,
		"cutoff":  cutoff,
	}).Info("Archived events")
	return pruned, nil
}
