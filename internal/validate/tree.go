package validate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/jobwatch/internal/machine"
)

type treeEntry struct {
	Size   int64
	SHA256 string
	MIME   string
}

type tree map[string]treeEntry

func (t tree) bytes() int64 {
	var total int64
	for _, e := range t {
		total += e.Size
	}
	return total
}

// localTree はローカルのディレクトリを走査します。
func localTree(ctx context.Context, root string, withMIME bool) (tree, error) {
	out := tree{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entry, err := hashFile(path)
		if err != nil {
			return err
		}
		if withMIME {
			mt, err := mimetype.DetectFile(path)
			if err != nil {
				return fmt.Errorf("detect mime type of %s: %w", path, err)
			}
			entry.MIME = mt.String()
		}
		out[filepath.ToSlash(rel)] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}

func hashFile(path string) (treeEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return treeEntry{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return treeEntry{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return treeEntry{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func remoteTree(files []machine.File) tree {
	out := make(tree, len(files))
	for _, f := range files {
		out[f.Path] = treeEntry{Size: f.Size, SHA256: f.SHA256}
	}
	return out
}
