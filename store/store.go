// store provides the durable client-side storage the relying party keeps
// across the redirect boundary: a small origin-scoped key/value store, held
// as a single JSON object on disk.  The client configuration lives under
// the "client" key; it's read once at startup and written once when the
// authorization redirect is initiated.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ClientKey is the key holding the JSON-serialized client configuration.
const ClientKey = "client"

// FileStore is a file-backed key/value store.  A corrupt or unreadable
// backing file degrades to an empty store rather than failing the caller:
// losing a stored configuration is recoverable, refusing to start is not.
type FileStore struct {
	path   string
	logger hclog.Logger

	mu sync.Mutex
}

// Open returns a FileStore backed by the given path.  The file does not
// need to exist yet.
// Supported options: WithLogger
func Open(path string, opt ...Option) (*FileStore, error) {
	const op = "store.Open"
	if path == "" {
		return nil, fmt.Errorf("%s: path is empty", op)
	}
	opts := getOpts(opt...)
	s := &FileStore{
		path:   path,
		logger: opts.withLogger,
	}
	if s.logger == nil {
		s.logger = hclog.NewNullLogger()
	}
	return s, nil
}

// Get reads the value stored under key.  Absent keys, an absent file and a
// corrupt file all report "not found".
func (s *FileStore) Get(key string) ([]byte, bool, error) {
	const op = "FileStore.Get"
	if key == "" {
		return nil, false, fmt.Errorf("%s: key is empty", op)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kv := s.read()
	raw, ok := kv[key]
	if !ok {
		return nil, false, nil
	}
	return raw, true, nil
}

// Put writes the value under key, replacing any prior value.  The write is
// atomic: a temp file is written and renamed over the store.
func (s *FileStore) Put(key string, value []byte) error {
	const op = "FileStore.Put"
	if key == "" {
		return fmt.Errorf("%s: key is empty", op)
	}
	if !json.Valid(value) {
		return fmt.Errorf("%s: value for %q is not valid JSON", op, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kv := s.read()
	kv[key] = json.RawMessage(value)

	data, err := json.MarshalIndent(kv, "", "  ")
	if err != nil {
		return fmt.Errorf("%s: unable to encode store: %w", op, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%s: unable to create %q: %w", op, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return fmt.Errorf("%s: unable to create temp file: %w", op, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%s: unable to write %q: %w", op, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: unable to close %q: %w", op, tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: unable to replace %q: %w", op, s.path, err)
	}
	return nil
}

// read loads the backing file into a map, treating every failure mode as an
// empty store.  Callers must hold s.mu.
func (s *FileStore) read() map[string]json.RawMessage {
	kv := map[string]json.RawMessage{}
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return kv
	case err != nil:
		s.logger.Warn("unable to read store, treating as empty", "path", s.path, "error", err)
		return kv
	}
	if err := json.Unmarshal(data, &kv); err != nil {
		s.logger.Warn("store is corrupt, treating as empty", "path", s.path, "error", err)
		return map[string]json.RawMessage{}
	}
	return kv
}

// Option defines a common functional options type
type Option func(interface{})

type options struct {
	withLogger hclog.Logger
}

func getOpts(opt ...Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// WithLogger provides an optional logger for the store.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withLogger = l
		}
	}
}
