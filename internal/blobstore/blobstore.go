// Package blobstore reads and writes upload and analysis files on S3-compatible
// object storage.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/safeh2o/swot-analysis-web/internal/config"
)

// ErrNotFound is returned when a bucket or object does not exist.
var ErrNotFound = errors.New("blob not found")

// Object describes one stored blob.
type Object struct {
	Name string
	Size int64
}

// Client wraps a minio client.
type Client struct {
	cli    *minio.Client
	logger *log.Logger
}

// New builds a client from storage settings. No request is made.
func New(cfg config.Storage, logger *log.Logger) (*Client, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Client{cli: cli, logger: logger}, nil
}

// EnsureBucket creates bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.cli.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	c.logger.Printf("bucket created bucket=%s", bucket)
	return nil
}

// List returns every object under prefix, recursively, in key order.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var out []Object
	for info := range c.cli.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, classify(info.Err))
		}
		out = append(out, Object{Name: info.Key, Size: info.Size})
	}
	return out, nil
}

// Open streams one object. The caller closes the reader.
func (c *Client) Open(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
	obj, err := c.cli.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, name, classify(err))
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("stat %s/%s: %w", bucket, name, classify(err))
	}
	return obj, nil
}

// Put stores size bytes from r under name.
func (c *Client) Put(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) error {
	_, err := c.cli.PutObject(ctx, bucket, name, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, name, classify(err))
	}
	c.logger.Printf("blob stored bucket=%s name=%s size=%d", bucket, name, size)
	return nil
}

// Download copies an object into a local file.
func (c *Client) Download(ctx context.Context, bucket, name, file string) error {
	if err := c.cli.FGetObject(ctx, bucket, name, file, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, name, classify(err))
	}
	c.logger.Printf("blob downloaded bucket=%s name=%s file=%s", bucket, name, file)
	return nil
}

// Upload stores a local file under name.
func (c *Client) Upload(ctx context.Context, bucket, name, file string) error {
	_, err := c.cli.FPutObject(ctx, bucket, name, file, minio.PutObjectOptions{ContentType: ContentType(file)})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, name, classify(err))
	}
	c.logger.Printf("blob uploaded bucket=%s name=%s file=%s", bucket, name, file)
	return nil
}

// classify maps missing bucket and key responses onto ErrNotFound.
func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket", resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return err
	}
}

func init() {
	// Missing from Go's builtin table and not in every system mime.types.
	_ = mime.AddExtensionType(".csv", "text/csv")
	_ = mime.AddExtensionType(".xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
}

// ContentType guesses the content type of a result file from its extension.
func ContentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
