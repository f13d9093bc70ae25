package storage

import (
	"context"
	"fmt"
	"strings"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSUploader writes proof files to a Google Cloud Storage bucket. The client
// is created once and shared; credentials come from ADC or an explicit JSON
// blob for local runs.
type GCSUploader struct {
	client *gstorage.Client
	bucket string
}

func NewGCSUploader(ctx context.Context, bucket string, credentialsJSON string) (*GCSUploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}

	var client *gstorage.Client
	var err error
	if strings.TrimSpace(credentialsJSON) != "" {
		client, err = gstorage.NewClient(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	} else {
		client, err = gstorage.NewClient(ctx)
	}
	if err != nil {
		return nil, err
	}

	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q not accessible: %v", bucket, err)
	}

	return &GCSUploader{client: client, bucket: bucket}, nil
}

func (g *GCSUploader) Close() error {
	return g.client.Close()
}

func (g *GCSUploader) Upload(ctx context.Context, folder string, fileName string, mimeType string, data []byte) (*Object, error) {
	if !AllowedMimeType(mimeType) {
		return nil, fmt.Errorf("unsupported file type: %s", mimeType)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty upload: %s", fileName)
	}

	key := objectKey(folder, fileName)
	wc := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = mimeType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return nil, fmt.Errorf("failed to upload %s: %v", key, err)
	}
	if err := wc.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer for %s: %v", key, err)
	}

	return &Object{
		Key: key,
		URL: fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, key),
	}, nil
}

func (g *GCSUploader) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err == gstorage.ErrObjectNotExist {
		return nil
	}
	return err
}
