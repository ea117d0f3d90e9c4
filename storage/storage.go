// Package storage provides the key-value engines that hold bulletin state,
// subscriber records and the unsubscribe index.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// DefaultPageSize is used when a backend is created with a non-positive page size.
const DefaultPageSize = 100

// Page is one slice of a prefix listing. Next is empty once the listing is exhausted.
type Page struct {
	Next string
	Keys []string
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// validateKey rejects keys that cannot be stored safely by every backend.
func validateKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if len(key) > 512 {
		return fmt.Errorf("key too long: %d bytes", len(key))
	}
	if strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") || strings.HasPrefix(key, ".") {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}

// paginate pages over an already sorted key list. The cursor is the last key
// returned by the previous page.
func paginate(sorted []string, prefix, cursor string, size int) Page {
	start := sort.SearchStrings(sorted, prefix)
	if cursor != "" {
		start = max(start, sort.Search(len(sorted), func(i int) bool { return sorted[i] > cursor }))
	}

	var page Page
	for i := start; i < len(sorted); i++ {
		if !strings.HasPrefix(sorted[i], prefix) {
			break
		}
		if len(page.Keys) == size {
			page.Next = page.Keys[len(page.Keys)-1]
			break
		}
		page.Keys = append(page.Keys, sorted[i])
	}
	return page
}

func pageSizeOrDefault(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}

// retryOptions is the shared retry policy for remote backends.
func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(2 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}
