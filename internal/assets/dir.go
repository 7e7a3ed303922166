package assets

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/conneroisu/pagerender/internal/errors"
)

// DirStore indexes a build output directory once. Files are read on Get,
// and the returned size, hash and text all come from that single read.
type DirStore struct {
	index map[string]string
}

// NewDirStore walks root and records every regular file beneath it.
func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "invalid asset directory")
	}

	s := &DirStore{index: make(map[string]string)}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		s.index[filepath.ToSlash(rel)] = path
		return nil
	})
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "failed to index asset directory "+root)
	}

	return s, nil
}

// Has implements Store.
func (s *DirStore) Has(path string) bool {
	_, ok := s.index[CleanPath(path)]
	return ok
}

// Get implements Store.
func (s *DirStore) Get(path string) (*Asset, error) {
	abs, ok := s.index[CleanPath(path)]
	if !ok {
		return nil, notFound(path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(path)
		}
		return nil, err
	}
	text := string(data)
	return &Asset{
		Text:        func() (string, error) { return text, nil },
		ContentHash: HashContent(data),
		Size:        len(data),
	}, nil
}

// Len returns the number of indexed files.
func (s *DirStore) Len() int {
	return len(s.index)
}

// ReadAll loads every indexed file into memory, keyed by slash path.
func (s *DirStore) ReadAll() (map[string][]byte, error) {
	files := make(map[string][]byte, len(s.index))
	for name, abs := range s.index {
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "failed to read asset "+name)
		}
		files[name] = data
	}
	return files, nil
}
