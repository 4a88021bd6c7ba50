package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// gcsStorage grounds spec §4.E's direct-copy path on mmp-bk/storage/gcs.go's
// gcsFileStorage: a bucket handle opened once, with whole-object writers
// used in place of that file's pack/blob machinery.
type gcsStorage struct {
	ctx    context.Context
	client *gcs.Client
	bucket *gcs.BucketHandle
	prefix string
	limit  *bandwidthLimiter
}

// GCSOptions configures the GCS-backed remote store.
type GCSOptions struct {
	BucketName string
	Prefix     string

	// MaxUploadBytesPerSecond is 0 for unlimited.
	MaxUploadBytesPerSecond int
}

// NewGCS returns a FileStorage that uploads to the given bucket, grounded
// on mmp-bk/storage.NewGCS's bucket-handle setup.
func NewGCS(ctx context.Context, opts GCSOptions) (FileStorage, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote: gcs client: %w", err)
	}
	return &gcsStorage{
		ctx:    ctx,
		client: client,
		bucket: client.Bucket(opts.BucketName),
		prefix: strings.TrimSuffix(opts.Prefix, "/"),
		limit:  newBandwidthLimiter(opts.MaxUploadBytesPerSecond),
	}, nil
}

func (g *gcsStorage) String() string {
	attrs, err := g.bucket.Attrs(g.ctx)
	if err != nil {
		return "gs://<unknown>"
	}
	return "gs://" + attrs.Name
}

func (g *gcsStorage) objectName(remotePath string) string {
	if g.prefix == "" {
		return remotePath
	}
	return g.prefix + "/" + remotePath
}

func (g *gcsStorage) Put(remotePath, localPath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("remote: opening %s: %w", localPath, err)
	}
	defer src.Close()

	w := g.bucket.Object(g.objectName(remotePath)).NewWriter(g.ctx)
	if _, err := io.Copy(w, &limitedReader{r: src, l: g.limit}); err != nil {
		w.Close()
		return fmt.Errorf("remote: uploading %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("remote: finalizing upload of %s: %w", remotePath, err)
	}
	return nil
}
