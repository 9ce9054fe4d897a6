package storage

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage using Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
}

// NewGCSStorage creates a new GCS storage instance
// projectID: Your GCP project ID, used only in error messages
// bucketName: The GCS bucket name
// baseDir: Base directory/prefix within the bucket (e.g., "snapshots")
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCS client")
	}

	// Verify bucket exists
	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to access bucket %s in project %s", bucketName, projectID)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
	}, nil
}

// Write writes data to GCS
func (s *GCSStorage) Write(ctx context.Context, path string, data []byte) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	w := obj.NewWriter(ctx)

	// Set metadata
	w.ContentType = ContentType(path)
	w.CacheControl = cacheControl(path)

	// Write data
	if _, err := w.Write(data); err != nil {
		w.Close()
		return errors.Wrap(err, "failed to write to GCS")
	}

	if err := w.Close(); err != nil {
		return errors.Wrap(err, "failed to close GCS writer")
	}

	return nil
}

// Read reads data from GCS
func (s *GCSStorage) Read(ctx context.Context, path string) ([]byte, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.Wrapf(ErrNotExist, "%s", path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read from GCS")
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read data")
	}

	return data, nil
}

// Delete deletes a file from GCS
func (s *GCSStorage) Delete(ctx context.Context, path string) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrap(err, "failed to delete from GCS")
	}

	return nil
}

// Exists checks if a file exists in GCS
func (s *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	_, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check GCS object")
	}

	return true, nil
}

// List lists files in a directory in GCS
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to list GCS objects")
		}

		// synthetic directory entries carry only a prefix
		if attrs.Name == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(attrs.Name, prefix))
	}

	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) fullPath(path string) string {
	return joinObjectPath(s.baseDir, path)
}

func joinObjectPath(baseDir, path string) string {
	path = strings.TrimPrefix(path, "/")
	if baseDir == "" {
		return path
	}
	if path == "" {
		return baseDir
	}
	return baseDir + "/" + path
}

// cacheControl: latest.* is rewritten in place, numbered snapshots are immutable
func cacheControl(path string) string {
	if strings.HasPrefix(path[strings.LastIndex(path, "/")+1:], "latest.") {
		return "no-cache, no-store, must-revalidate"
	}
	return "public, max-age=3600"
}
