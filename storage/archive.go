package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// Archive copies finished run directories to long-term storage: a GCS
// bucket in production, a local directory for development.
type Archive struct {
	client    *gcs.Client
	logger    *slog.Logger
	bucket    string
	localPath string
}

// NewArchive creates an archive target. When localPath is non-empty the
// bucket client is ignored.
func NewArchive(client *gcs.Client, bucket, localPath string, logger *slog.Logger) *Archive {
	return &Archive{
		client:    client,
		logger:    logger,
		bucket:    bucket,
		localPath: localPath,
	}
}

// Upload copies every file under runDir into the archive, keyed by the run
// directory name. Existing objects are overwritten, so re-archiving a run
// is idempotent.
func (a *Archive) Upload(ctx context.Context, runDir string) error {
	runName := filepath.Base(filepath.Clean(runDir))
	var count int

	err := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}
		if err := a.put(ctx, runName, rel, path); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", runName, err)
	}

	a.logger.Info("Run archived", "run", runName, "files", count)
	return nil
}

func (a *Archive) put(ctx context.Context, runName, rel, path string) error {
	// Local filesystem archive
	if a.localPath != "" {
		dst := filepath.Join(a.localPath, runName, rel)
		if err := CopyFile(path, dst); err != nil {
			return fmt.Errorf("copy to local archive: %w", err)
		}
		a.logger.Debug("File archived locally", "path", dst)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	key := runName + "/" + filepath.ToSlash(rel)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	err = retry.Do(
		func() error {
			w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					a.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			a.logger.Info("Retrying archive upload after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("upload after retries: %w", err)
	}

	a.logger.Debug("File archived", "key", key)
	return nil
}

// List returns the names of archived runs.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	// Local filesystem archive
	if a.localPath != "" {
		entries, err := os.ReadDir(a.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local archive directory: %w", err)
		}
		var runs []string
		for _, entry := range entries {
			if entry.IsDir() && strings.HasPrefix(entry.Name(), "RUN_") {
				runs = append(runs, entry.Name())
			}
		}
		sort.Strings(runs)
		return runs, nil
	}

	// Cloud Storage
	it := a.client.Bucket(a.bucket).Objects(ctx, &gcs.Query{Prefix: "RUN_"})
	seen := make(map[string]bool)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		name, _, ok := strings.Cut(attrs.Name, "/")
		if ok {
			seen[name] = true
		}
	}

	runs := make([]string, 0, len(seen))
	for name := range seen {
		runs = append(runs, name)
	}
	sort.Strings(runs)
	return runs, nil
}
