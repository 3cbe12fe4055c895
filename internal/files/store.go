// Package files stores the binary content behind document entities, one
// directory per tenant.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hilderonny/fm-sub000/internal/apperr"
)

// DocumentsDatatype is the datatype whose entities own a stored file.
const DocumentsDatatype = "documents"

// Store keeps files under <root>/<tenant>/<name>.
type Store struct {
	root   string
	logger *zap.SugaredLogger
}

// New creates a store rooted at root.
func New(root string, logger *zap.SugaredLogger) *Store {
	return &Store{root: root, logger: logger}
}

// Path returns the file path of a document.
func (s *Store) Path(tenant, name string) (string, error) {
	if !plainName(tenant) {
		return "", apperr.Validation("tenant", "invalid tenant name %q", tenant)
	}
	if !plainName(name) {
		return "", apperr.Validation("name", "invalid document name %q", name)
	}
	return filepath.Join(s.root, tenant, name), nil
}

// Save writes the content of a document, replacing earlier content.
func (s *Store) Save(tenant, name string, r io.Reader) (int64, error) {
	path, err := s.Path(tenant, name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("failed to create document directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+name+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create document file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write document %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to store document %s: %w", name, err)
	}
	s.logger.Debugw("stored document", "tenant", tenant, "name", name, "bytes", n)
	return n, nil
}

// Open returns the content of a document or apperr.ErrNotFound.
func (s *Store) Open(tenant, name string) (*os.File, error) {
	path, err := s.Path(tenant, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("content of document %s", name)
	}
	return f, err
}

// RemoveArtifact deletes the file of a document entity. Other datatypes
// have no artifacts; a missing file is fine.
func (s *Store) RemoveArtifact(_ context.Context, tenant, datatypename, name string) error {
	if datatypename != DocumentsDatatype {
		return nil
	}
	path, err := s.Path(tenant, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveTenant deletes every stored file of tenant.
func (s *Store) RemoveTenant(tenant string) error {
	if !plainName(tenant) {
		return apperr.Validation("tenant", "invalid tenant name %q", tenant)
	}
	dir := filepath.Join(s.root, tenant)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove documents of %s: %w", tenant, err)
	}
	s.logger.Infow("removed tenant documents", "tenant", tenant)
	return nil
}

// plainName reports whether s names a single path element.
func plainName(s string) bool {
	return s != "" && s != "." && s != ".." && filepath.Base(s) == s && !strings.ContainsAny(s, "\\\x00")
}
