// Package objectstore uploads finished experiments and sequences to an
// S3-compatible bucket (MinIO) for downstream analysis.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mattjoyce/laborch/internal/model"
)

// Config selects the bucket finished work is uploaded to.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool { return c.Endpoint != "" }

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	var errs []error
	if c.Bucket == "" {
		errs = append(errs, errors.New("object_store.bucket is required"))
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		errs = append(errs, errors.New("object_store.access_key and secret_key are required"))
	}
	return errors.Join(errs...)
}

// putter is the subset of *minio.Client the uploader needs.
type putter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// Uploader writes finished work items as JSON objects.
type Uploader struct {
	client putter
	bucket string
	region string
	prefix string
}

// NewMinIOClient builds a client with static V4 credentials.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// New returns an Uploader for cfg, or nil when no endpoint is configured.
func New(cfg Config) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Uploader{client: client, bucket: cfg.Bucket, region: cfg.Region, prefix: cfg.Prefix}, nil
}

// EnsureBucket creates the bucket if it is missing.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", u.bucket, err)
	}
	return nil
}

// ExperimentKey is where an experiment is stored.
func (u *Uploader) ExperimentKey(exp *model.Experiment) string {
	seq := exp.SequenceUUID
	if seq == "" {
		seq = "_standalone"
	}
	return path.Join(u.prefix, "sequences", seq, "experiments", exp.ExperimentUUID+".json")
}

// SequenceKey is where a sequence is stored.
func (u *Uploader) SequenceKey(seq *model.Sequence) string {
	return path.Join(u.prefix, "sequences", seq.SequenceUUID, "sequence.json")
}

// UploadExperiment stores exp as JSON.
func (u *Uploader) UploadExperiment(ctx context.Context, exp *model.Experiment) error {
	return u.putJSON(ctx, u.ExperimentKey(exp), exp)
}

// UploadSequence stores seq as JSON.
func (u *Uploader) UploadSequence(ctx context.Context, seq *model.Sequence) error {
	return u.putJSON(ctx, u.SequenceKey(seq), seq)
}

func (u *Uploader) putJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", u.bucket, key, err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
