package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tidwall/jsonc"
)

// FileStore keeps accounts in one JSON document mapping names to accounts.
// Every write replaces the document through a temporary file and a rename,
// so readers never observe a partial write.
type FileStore struct {
	path string
	log  *slog.Logger

	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileLogger sets the logger used to report unreadable documents.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(s *FileStore) { s.log = l }
}

// NewFileStore returns a store backed by path. The file and its directory
// are created on first write.
func NewFileStore(path string, opts ...FileOption) *FileStore {
	s := &FileStore{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(ctx context.Context, name string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Account{}, err
	}
	acct, ok := doc[name]
	if !ok {
		return Account{}, &NotFoundError{Name: name, Available: sortedNames(doc)}
	}
	return acct, nil
}

func (s *FileStore) Put(ctx context.Context, name string, acct Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc[name] = acct
	return s.save(doc)
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc[name]; !ok {
		return &NotFoundError{Name: name, Available: sortedNames(doc)}
	}
	delete(doc, name)
	return s.save(doc)
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return sortedNames(doc), nil
}

// load reads the document. A missing file is empty. An unparsable one is
// moved to <path>.corrupt and treated as empty so that the next write starts
// fresh without destroying it.
func (s *FileStore) load() (map[string]Account, error) {
	doc := make(map[string]Account)
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", s.path, err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(b), &doc); err != nil {
		aside := s.path + ".corrupt"
		if rerr := os.Rename(s.path, aside); rerr != nil {
			return nil, fmt.Errorf("parse credentials %s: %w (moving it aside failed: %v)", s.path, err, rerr)
		}
		s.log.Warn("credentials.file.parse.fail",
			slog.String("path", s.path),
			slog.String("moved_to", aside),
			slog.String("err", err.Error()))
		return make(map[string]Account), nil
	}
	return doc, nil
}

func (s *FileStore) save(doc map[string]Account) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

func sortedNames(doc map[string]Account) []string {
	names := make([]string, 0, len(doc))
	for n := range doc {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
