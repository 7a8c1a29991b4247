package blobstore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fetchParallelism bounds concurrent object transfers within one prefix fetch
const fetchParallelism = 4

// FSStore is a Client backed by a filesystem directory laid out like an
// object-store bucket: one subdirectory per chunk prefix. It serves
// local development and tests; S3-compatible stores mount through the
// same Client contract.
type FSStore struct {
	bucketDir string
	logger    *zap.Logger
}

// NewFSStore creates a filesystem-backed blob store client
func NewFSStore(bucketDir string, logger *zap.Logger) (*FSStore, error) {
	info, err := os.Stat(bucketDir)
	if err != nil {
		return nil, fmt.Errorf("blob bucket not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("blob bucket %s is not a directory", bucketDir)
	}
	return &FSStore{bucketDir: bucketDir, logger: logger}, nil
}

// List enumerates object keys under a prefix
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := filepath.Join(s.bucketDir, filepath.FromSlash(prefix))
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPrefixEmpty
		}
		return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, ErrPrefixEmpty
	}
	return keys, nil
}

// FetchPrefix downloads every object under prefix into targetDir
func (s *FSStore) FetchPrefix(ctx context.Context, prefix, targetDir string) (FetchResult, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return FetchResult{}, err
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return FetchResult{}, fmt.Errorf("failed to create target directory: %w", err)
	}

	var mu sync.Mutex
	result := FetchResult{Objects: make([]ObjectResult, 0, len(keys))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			size, err := s.fetchObject(gctx, prefix, key, targetDir)

			mu.Lock()
			result.Objects = append(result.Objects, ObjectResult{Key: key, SizeBytes: size, Err: err})
			if err == nil {
				result.TotalBytes += size
			}
			mu.Unlock()

			if err != nil {
				s.logger.Warn("Object fetch failed",
					zap.String("prefix", prefix),
					zap.String("key", key),
					zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("prefix fetch %s failed: %w", prefix, err)
	}

	s.logger.Debug("Prefix fetch complete",
		zap.String("prefix", prefix),
		zap.Int("objects", len(result.Objects)),
		zap.Int64("bytes", result.TotalBytes))

	return result, nil
}

// fetchObject copies one object into targetDir. The copy lands in a
// temp file and is renamed into place so a retried fetch never exposes
// a torn object.
func (s *FSStore) fetchObject(ctx context.Context, prefix, key, targetDir string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	srcPath := filepath.Join(s.bucketDir, filepath.FromSlash(prefix), filepath.FromSlash(key))
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrObjectNotFound
		}
		return 0, err
	}
	defer src.Close()

	dstPath := filepath.Join(targetDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".fetch-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	size, err := copyWithContext(ctx, tmp, src)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return size, nil
}

// copyWithContext copies in bounded blocks, checking for cancellation
// between blocks so a stopping slot can abort a large transfer.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
