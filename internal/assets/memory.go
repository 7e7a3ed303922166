package assets

// MemoryStore serves assets held in memory, such as in-process build output
// handed to prerender workers.
type MemoryStore struct {
	files map[string]memoryFile
}

type memoryFile struct {
	content string
	hash    string
}

// NewMemoryStore copies files and hashes each once.
func NewMemoryStore(files map[string][]byte) *MemoryStore {
	s := &MemoryStore{files: make(map[string]memoryFile, len(files))}
	for name, data := range files {
		s.files[CleanPath(name)] = memoryFile{
			content: string(data),
			hash:    HashContent(data),
		}
	}
	return s
}

// Has implements Store.
func (s *MemoryStore) Has(path string) bool {
	_, ok := s.files[CleanPath(path)]
	return ok
}

// Get implements Store.
func (s *MemoryStore) Get(path string) (*Asset, error) {
	f, ok := s.files[CleanPath(path)]
	if !ok {
		return nil, notFound(path)
	}
	content := f.content
	return &Asset{
		Text:        func() (string, error) { return content, nil },
		ContentHash: f.hash,
		Size:        len(content),
	}, nil
}

// Len returns the number of files.
func (s *MemoryStore) Len() int {
	return len(s.files)
}
