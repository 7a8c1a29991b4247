package chunk

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	cacheerrors "github.com/logtide/cachenode/internal/errors"
)

// ManifestFileName is the manifest object every chunk prefix carries
const ManifestFileName = "manifest.json"

// ManifestEntry describes one index file inside a chunk
type ManifestEntry struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
	Digest    uint64 `json:"digest"`
}

// Manifest lists the files of a chunk with their xxhash64 digests.
// It is written by the chunk build path and validated after download,
// before the chunk is opened for search.
type Manifest struct {
	ChunkID string          `json:"chunkId"`
	Files   []ManifestEntry `json:"files"`
}

// LoadManifest reads and decodes the manifest from a chunk directory
func LoadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read chunk manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode chunk manifest: %w", err)
	}
	if m.ChunkID == "" {
		return Manifest{}, fmt.Errorf("chunk manifest has no chunk id")
	}
	return m, nil
}

// WriteManifest computes digests for the listed files and writes the
// manifest into dir. Used by the chunk build path and by test fixtures.
func WriteManifest(dir, chunkID string, files []string) (Manifest, error) {
	m := Manifest{ChunkID: chunkID, Files: make([]ManifestEntry, 0, len(files))}
	for _, file := range files {
		digest, size, err := digestFile(filepath.Join(dir, file))
		if err != nil {
			return Manifest{}, fmt.Errorf("failed to digest %s: %w", file, err)
		}
		m.Files = append(m.Files, ManifestEntry{Path: file, SizeBytes: size, Digest: digest})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("failed to write manifest: %w", err)
	}
	return m, nil
}

// Verify checks every manifest entry against the files in dir
func (m Manifest) Verify(dir string) error {
	for _, entry := range m.Files {
		digest, size, err := digestFile(filepath.Join(dir, entry.Path))
		if err != nil {
			return fmt.Errorf("failed to verify %s: %w", entry.Path, err)
		}
		if size != entry.SizeBytes {
			return cacheerrors.IntegrityFailed(entry.Path, uint64(entry.SizeBytes), uint64(size))
		}
		if digest != entry.Digest {
			return cacheerrors.IntegrityFailed(entry.Path, entry.Digest, digest)
		}
	}
	return nil
}

// TotalBytes returns the summed size of the manifest's files
func (m Manifest) TotalBytes() int64 {
	var total int64
	for _, entry := range m.Files {
		total += entry.SizeBytes
	}
	return total
}

func digestFile(path string) (uint64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	h := xxhash.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, err
	}
	return h.Sum64(), size, nil
}
