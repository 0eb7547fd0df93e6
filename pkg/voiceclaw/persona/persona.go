// Package persona loads the assistant's persona documents (SOUL, IDENTITY
// and SECURITY) and renders the system prompt from them.
//
// A Persona value is immutable. Updates write the files and swap in a
// freshly loaded value, so readers never observe a half-written persona.
package persona

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Persona document names.
const (
	Soul     = "SOUL"
	Identity = "IDENTITY"
	Security = "SECURITY"
)

// Files lists the persona documents in prompt order.
var Files = []string{Soul, Identity, Security}

//go:embed defaults/*.md
var defaults embed.FS

// ErrUnknownFile is returned for names outside Files.
var ErrUnknownFile = errors.New("unknown persona file")

// Persona is a loaded set of persona documents.
type Persona struct {
	Soul     string
	Identity string
	Security string
}

// Store owns the persona directory and the current Persona.
type Store struct {
	dir     string
	logger  *slog.Logger
	current atomic.Pointer[Persona]

	// writeMu serializes updates; reads go through current.
	writeMu sync.Mutex
}

// Open ensures the default documents exist under dir and loads them.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{dir: dir, logger: logger.With("component", "persona")}
	if err := s.EnsureDefaults(); err != nil {
		return nil, err
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the persona directory.
func (s *Store) Dir() string {
	return s.dir
}

// Current returns the loaded persona.
func (s *Store) Current() *Persona {
	return s.current.Load()
}

// EnsureDefaults writes the built-in documents that are missing.
func (s *Store) EnsureDefaults() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create persona dir: %w", err)
	}
	for _, name := range Files {
		path := s.path(name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		content, err := defaults.ReadFile("defaults/" + name + ".md")
		if err != nil {
			return fmt.Errorf("read default %s: %w", name, err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return fmt.Errorf("write default %s: %w", name, err)
		}
		s.logger.Info("created default persona file", "path", path)
	}
	return nil
}

// Reload reads the documents from disk and swaps them in. A missing
// document loads as empty.
func (s *Store) Reload() error {
	p := &Persona{}
	for _, name := range Files {
		data, err := os.ReadFile(s.path(name))
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("persona file not found", "name", name)
			continue
		}
		if err != nil {
			return fmt.Errorf("read persona %s: %w", name, err)
		}
		text := strings.TrimSpace(string(data))
		switch name {
		case Soul:
			p.Soul = text
		case Identity:
			p.Identity = text
		case Security:
			p.Security = text
		}
	}
	s.current.Store(p)
	return nil
}

// UpdateFile replaces one document. The previous content is kept as
// <NAME>.md.bak and the new file is swapped in with a rename.
func (s *Store) UpdateFile(name, content string) error {
	name = strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(name), ".md"))
	if !isFile(name) {
		return fmt.Errorf("%w: %s", ErrUnknownFile, name)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path := s.path(name)
	if old, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", old, 0o644); err != nil {
			return fmt.Errorf("backup %s: %w", name, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("update %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("update %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("update %s: %w", name, err)
	}

	s.logger.Info("persona file updated", "name", name, "chars", len(content))
	return s.Reload()
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".md")
}

func isFile(name string) bool {
	for _, f := range Files {
		if f == name {
			return true
		}
	}
	return false
}
