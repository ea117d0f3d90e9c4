package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// GCS stores each key as an object in a Cloud Storage bucket.
type GCS struct {
	client   *storage.Client
	logger   *slog.Logger
	bucket   string
	pageSize int
}

// NewGCS returns a store backed by bucket.
func NewGCS(client *storage.Client, bucket string, pageSize int, logger *slog.Logger) *GCS {
	return &GCS{client: client, bucket: bucket, pageSize: pageSizeOrDefault(pageSize), logger: logger}
}

// Get returns the value stored at key.
func (g *GCS) Get(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	var data []byte
	missing := false
	err := retry.Do(
		func() error {
			r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if err := r.Close(); err != nil {
					g.logger.Warn("Failed to close storage reader", "error", err)
				}
			}()
			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			return nil
		},
		retryOptions(ctx, g.logger, "get", key)...,
	)
	if missing {
		return "", fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load after retries: %w", err)
	}
	return string(data), nil
}

// Put stores value at key.
func (g *GCS) Put(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	err := retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, err := io.WriteString(w, value); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		retryOptions(ctx, g.logger, "put", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// Delete removes key. Missing objects are not an error.
func (g *GCS) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	err := retry.Do(
		func() error {
			err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
			if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", err)
		},
		retryOptions(ctx, g.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// List returns one page of object names starting with prefix. The cursor is
// the bucket listing's page token.
func (g *GCS) List(ctx context.Context, prefix, cursor string) (Page, error) {
	q := &storage.Query{Prefix: prefix}
	if err := q.SetAttrSelection([]string{"Name"}); err != nil {
		return Page{}, fmt.Errorf("select attributes: %w", err)
	}

	it := g.client.Bucket(g.bucket).Objects(ctx, q)
	pager := iterator.NewPager(it, g.pageSize, cursor)

	var attrs []*storage.ObjectAttrs
	next, err := pager.NextPage(&attrs)
	if err != nil {
		return Page{}, fmt.Errorf("iterate storage: %w", err)
	}

	page := Page{Next: next, Keys: make([]string, 0, len(attrs))}
	for _, a := range attrs {
		page.Keys = append(page.Keys, a.Name)
	}
	return page, nil
}
