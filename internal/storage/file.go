package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/asad/blobgate/internal/signing"
)

// FileBackend stores objects as files under DATA_DIR/blob/<account>/<container>/<name>,
// with a JSON sidecar per object under DATA_DIR/meta holding its content type.
type FileBackend struct {
	dataDir   string
	metaDir   string
	container string
	urlBase   string

	mu      sync.RWMutex
	ensured bool
}

type fileMeta struct {
	ContentType string `json:"contentType"`
}

// NewFileBackend creates a file-based backend for one account/container pair.
// urlBase is where the files service serves the container, e.g.
// "http://localhost:4000/files/media".
func NewFileBackend(baseDir, account, container, urlBase string) (*FileBackend, error) {
	dataDir := filepath.Join(baseDir, "blob", account, container)
	metaDir := filepath.Join(baseDir, "meta", account, container)
	for _, dir := range []string{dataDir, metaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &FileBackend{
		dataDir:   dataDir,
		metaDir:   metaDir,
		container: container,
		urlBase:   strings.TrimRight(urlBase, "/"),
	}, nil
}

// objectPath resolves name inside root, rejecting anything that escapes it.
func objectPath(root, name string) (string, error) {
	if name == "" || strings.Contains(name, `\`) {
		return "", ErrInvalidObjectName
	}
	p := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidObjectName
	}
	return p, nil
}

func (s *FileBackend) EnsureContainer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured {
		return nil
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return localErr("create container", s.container, err)
	}
	s.ensured = true
	return nil
}

func (s *FileBackend) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	blobPath, err := objectPath(s.dataDir, name)
	if err != nil {
		return err
	}
	metaPath, err := objectPath(s.metaDir, name+".json")
	if err != nil {
		return err
	}
	meta, err := json.Marshal(fileMeta{ContentType: contentType})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dir := range []string{filepath.Dir(blobPath), filepath.Dir(metaPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return localErr("write", name, err)
		}
	}
	if err := os.WriteFile(blobPath, data, 0o644); err != nil {
		return localErr("write", name, err)
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return localErr("write metadata", name, err)
	}
	return nil
}

// Get reads an object and its content type.
func (s *FileBackend) Get(ctx context.Context, name string) (*Object, error) {
	blobPath, err := objectPath(s.dataDir, name)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Lstat(blobPath)
	if err != nil {
		if missing(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
		}
		return nil, localErr("read", name, err)
	}
	// Directories are name prefixes, not objects.
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	content, err := os.ReadFile(blobPath)
	if err != nil {
		return nil, localErr("read", name, err)
	}

	contentType := "application/octet-stream"
	if metaPath, err := objectPath(s.metaDir, name+".json"); err == nil {
		if raw, err := os.ReadFile(metaPath); err == nil {
			var meta fileMeta
			if json.Unmarshal(raw, &meta) == nil && meta.ContentType != "" {
				contentType = meta.ContentType
			}
		}
	}

	return &Object{
		Name:        name,
		Container:   s.container,
		ContentType: contentType,
		Content:     content,
		Size:        info.Size(),
		ModifiedAt:  info.ModTime(),
	}, nil
}

func (s *FileBackend) DeleteIfExists(ctx context.Context, name string) (bool, error) {
	blobPath, err := objectPath(s.dataDir, name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Lstat(blobPath)
	if missing(err) || (err == nil && !info.Mode().IsRegular()) {
		return false, nil
	}
	if err != nil {
		return false, localErr("delete", name, err)
	}
	if err := os.Remove(blobPath); err != nil {
		if missing(err) {
			return false, nil
		}
		return false, localErr("delete", name, err)
	}
	if metaPath, err := objectPath(s.metaDir, name+".json"); err == nil {
		_ = os.Remove(metaPath)
	}
	return true, nil
}

func (s *FileBackend) ObjectURL(name string) string {
	return signing.ObjectURL(s.urlBase, name)
}

// missing reports whether err means there is no object at the path, including a path that
// runs through an existing file.
func missing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// localErr names the object, never the absolute path, in the message.
func localErr(op, name string, err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		err = pathErr.Err
	}
	return fmt.Errorf("%w: %s %q: %v", ErrLocalStore, op, name, err)
}

var _ Backend = (*FileBackend)(nil)
