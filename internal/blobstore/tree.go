package blobstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Hidden top-level directories of a tree store.
const (
	metaDir   = ".meta"
	blocksDir = ".blocks"
)

// sidecar holds what a plain file cannot: blob metadata and content type.
type sidecar struct {
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
}

// Tree is a Store over a directory tree. Blob names map to slash-separated
// relative paths; metadata lives in sidecar files and staged blocks in a
// hidden directory, neither of which is listed.
type Tree struct {
	fs    afero.Fs
	root  string
	local bool

	// mu serializes appends and commits
	mu sync.Mutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Tree {
	return &Tree{fs: afero.NewMemMapFs(), root: string(filepath.Separator)}
}

// NewDirectory returns a store rooted at dir/container, creating it when
// missing.
func NewDirectory(dir, container string) (*Tree, error) {
	if dir == "" {
		return nil, errors.New("blob store directory is empty")
	}
	root := filepath.Join(dir, container)
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob store directory: %w", err)
	}
	return &Tree{fs: osfs, root: root, local: true}, nil
}

// Dir returns the directory backing the store, or "" for in-memory stores.
func (t *Tree) Dir() string {
	if !t.local {
		return ""
	}
	return t.root
}

// Close is a no-op.
func (t *Tree) Close() error {
	return nil
}

func (t *Tree) path(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("invalid blob name %q", name)
		}
	}
	if first, _, _ := strings.Cut(name, "/"); first == metaDir || first == blocksDir {
		return "", fmt.Errorf("reserved blob name %q", name)
	}
	return filepath.Join(t.root, filepath.FromSlash(name)), nil
}

func (t *Tree) sidecarPath(name string) string {
	return filepath.Join(t.root, metaDir, filepath.FromSlash(name)+".json")
}

func (t *Tree) blockDir(name string) string {
	return filepath.Join(t.root, blocksDir, filepath.FromSlash(name))
}

func notFound(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

// ----------------------------------------------------------------------------
// Reader
// ----------------------------------------------------------------------------

// List returns blob names with the given prefix in ascending order.
func (t *Tree) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := afero.Walk(t.fs, t.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == t.root {
			return nil
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			if rel == metaDir || rel == blocksDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(rel, prefix) {
			names = append(names, rel)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list blobs: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

// Attributes returns the size and metadata of a blob.
func (t *Tree) Attributes(ctx context.Context, name string) (BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return BlobInfo{}, err
	}
	p, err := t.path(name)
	if err != nil {
		return BlobInfo{}, err
	}
	info, err := t.fs.Stat(p)
	if err != nil {
		return BlobInfo{}, notFound(name, err)
	}
	sc, err := t.readSidecar(name)
	if err != nil {
		return BlobInfo{}, err
	}
	return BlobInfo{Name: name, Size: info.Size(), Metadata: sc.Metadata}, nil
}

// ReadRange reads up to length bytes at offset.
func (t *Tree) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range %d+%d", offset, length)
	}
	p, err := t.path(name)
	if err != nil {
		return nil, err
	}
	f, err := t.fs.Open(p)
	if err != nil {
		return nil, notFound(name, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return buf[:n], nil
}

// ReadFull reads a whole blob.
func (t *Tree) ReadFull(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := t.path(name)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(t.fs, p)
	if err != nil {
		return nil, notFound(name, err)
	}
	return data, nil
}

// ----------------------------------------------------------------------------
// Writer
// ----------------------------------------------------------------------------

// Overwrite replaces a blob atomically.
func (t *Tree) Overwrite(ctx context.Context, name string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := t.path(name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.replace(p, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return fmt.Errorf("overwrite %s: %w", name, err)
	}
	return t.writeSidecar(name, sidecar{ContentType: contentType})
}

// PutBlock stages a block for a later commit.
func (t *Tree) PutBlock(ctx context.Context, name, blockID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.path(name); err != nil {
		return err
	}
	dir := t.blockDir(name)
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("stage block: %w", err)
	}
	if err := afero.WriteFile(t.fs, filepath.Join(dir, hex.EncodeToString([]byte(blockID))), data, 0o644); err != nil {
		return fmt.Errorf("stage block %s of %s: %w", blockID, name, err)
	}
	return nil
}

// CommitBlockList replaces the blob with the staged blocks in order and
// discards the staging area.
func (t *Tree) CommitBlockList(ctx context.Context, name string, blockIDs []string, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := t.path(name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	dir := t.blockDir(name)
	err = t.replace(p, func(w io.Writer) error {
		for _, id := range blockIDs {
			block, err := afero.ReadFile(t.fs, filepath.Join(dir, hex.EncodeToString([]byte(id))))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("block %s is not staged", id)
				}
				return err
			}
			if _, err := w.Write(block); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}

	if err := t.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("discard staged blocks of %s: %w", name, err)
	}
	return t.writeSidecar(name, sidecar{ContentType: contentType})
}

// DiscardBlocks removes the staged blocks of a blob.
func (t *Tree) DiscardBlocks(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.path(name); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.fs.RemoveAll(t.blockDir(name)); err != nil {
		return fmt.Errorf("discard staged blocks of %s: %w", name, err)
	}
	return nil
}

// Delete removes a blob, its metadata and its staged blocks.
func (t *Tree) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := t.path(name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, target := range []string{p, t.sidecarPath(name)} {
		if err := t.fs.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	if err := t.fs.RemoveAll(t.blockDir(name)); err != nil {
		return fmt.Errorf("delete staged blocks of %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a blob exists.
func (t *Tree) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := t.path(name)
	if err != nil {
		return false, err
	}
	info, err := t.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// Append adds data to an append blob. meta is only recorded when the blob is
// created.
func (t *Tree) Append(ctx context.Context, name string, data []byte, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := t.path(name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	exists, err := afero.Exists(t.fs, p)
	if err != nil {
		return err
	}
	if !exists {
		if err := t.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("append %s: %w", name, err)
		}
		if err := t.writeSidecar(name, sidecar{Metadata: meta}); err != nil {
			return err
		}
	}

	f, err := t.fs.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", name, err)
	}
	return f.Close()
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// replace writes a file through a temporary file and renames it into place.
func (t *Tree) replace(p string, write func(io.Writer) error) error {
	if err := t.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmpDir := filepath.Join(t.root, blocksDir)
	if err := t.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(t.fs, tmpDir, "commit-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		t.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		t.fs.Remove(tmpName)
		return err
	}
	if err := t.fs.Rename(tmpName, p); err != nil {
		t.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (t *Tree) readSidecar(name string) (sidecar, error) {
	var sc sidecar
	data, err := afero.ReadFile(t.fs, t.sidecarPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sc, nil
		}
		return sc, fmt.Errorf("read metadata of %s: %w", name, err)
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("decode metadata of %s: %w", name, err)
	}
	return sc, nil
}

func (t *Tree) writeSidecar(name string, sc sidecar) error {
	p := t.sidecarPath(name)
	if err := t.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("write metadata of %s: %w", name, err)
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(t.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("write metadata of %s: %w", name, err)
	}
	return nil
}
