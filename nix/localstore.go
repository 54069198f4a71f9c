package nix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hydrogen-ci/hydrogen/nix/nar"
)

// LocalStore is a Store backed by a local filesystem tree. Path metadata is
// kept in a sidecar state directory so a store can be reopened.
type LocalStore struct {
	storeDir string
	stateDir string

	// Substituters are binary caches consulted by EnsurePath for paths the
	// store does not have locally.
	substituters []Store

	mu    sync.RWMutex
	infos map[StorePath]*PathInfo
}

var _ Store = (*LocalStore)(nil)

// OpenLocalStore opens (or initialises) the store rooted at storeDir with
// metadata under stateDir.
func OpenLocalStore(storeDir, stateDir string, substituters ...Store) (*LocalStore, error) {
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return nil, errors.Wrap(err, "error creating store directory")
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "info"), 0755); err != nil {
		return nil, errors.Wrap(err, "error creating store state directory")
	}
	s := &LocalStore{
		storeDir:     storeDir,
		stateDir:     stateDir,
		substituters: substituters,
		infos:        make(map[StorePath]*PathInfo),
	}
	entries, err := os.ReadDir(filepath.Join(stateDir, "info"))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stateDir, "info", e.Name()))
		if err != nil {
			return nil, err
		}
		var info PathInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, errors.Wrapf(err, "error reading path info %s", e.Name())
		}
		s.infos[info.Path] = &info
	}
	return s, nil
}

func (s *LocalStore) StoreDir() string {
	return s.storeDir
}

func (s *LocalStore) realPath(p StorePath) string {
	return filepath.Join(s.storeDir, p.Base())
}

func (s *LocalStore) IsValidPath(ctx context.Context, path StorePath) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.infos[path]
	return ok, nil
}

func (s *LocalStore) QueryValidPaths(ctx context.Context, paths []StorePath) ([]StorePath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var valid []StorePath
	for _, p := range paths {
		if _, ok := s.infos[p]; ok {
			valid = append(valid, p)
		}
	}
	return valid, nil
}

func (s *LocalStore) QueryPathInfo(ctx context.Context, path StorePath) (*PathInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[path]
	if !ok {
		return nil, errPathNotValid(path)
	}
	cp := *info
	return &cp, nil
}

func (s *LocalStore) AddToStore(ctx context.Context, info *PathInfo, narStream io.Reader) error {
	tmp, err := os.MkdirTemp(s.stateDir, "import-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	restore := &nar.Restore{Root: filepath.Join(tmp, "x")}
	if err := nar.Parse(narStream, restore); err != nil {
		return errors.Wrapf(err, "error importing %q", info.Path)
	}
	if err := restore.Close(); err != nil {
		return err
	}

	dest := s.realPath(info.Path)
	_ = os.RemoveAll(dest)
	if err := os.Rename(filepath.Join(tmp, "x"), dest); err != nil {
		return errors.Wrapf(err, "error installing %q", info.Path)
	}
	return s.registerPath(info)
}

func (s *LocalStore) NarFromPath(ctx context.Context, path StorePath, w io.Writer) error {
	if ok, _ := s.IsValidPath(ctx, path); !ok {
		return errPathNotValid(path)
	}
	return nar.DumpPath(w, s.realPath(path))
}

func (s *LocalStore) ReadDerivation(ctx context.Context, path StorePath) (*Derivation, error) {
	if !path.IsDerivation() {
		return nil, fmt.Errorf("path %q is not a derivation", path)
	}
	data, err := os.ReadFile(s.realPath(path))
	if err != nil {
		return nil, errors.Wrapf(err, "error reading derivation %q", path)
	}
	return ParseDerivation(s.storeDir, path.DrvName(), string(data))
}

func (s *LocalStore) WriteDerivation(ctx context.Context, drv *Derivation) (StorePath, error) {
	var references []StorePath
	for p := range drv.InputDrvs {
		references = append(references, p)
	}
	references = append(references, drv.InputSrcs...)
	return s.AddTextToStore(ctx, drv.Name+DrvExtension, drv.Unparse(), references)
}

// AddTextToStore adds a small text file (such as a derivation) to the store.
func (s *LocalStore) AddTextToStore(ctx context.Context, name, contents string, references []StorePath) (StorePath, error) {
	path := MakeTextPath(s.storeDir, name, HashString(contents), references)
	if ok, _ := s.IsValidPath(ctx, path); ok {
		return path, nil
	}
	if err := os.WriteFile(s.realPath(path), []byte(contents), 0444); err != nil {
		return "", errors.Wrapf(err, "error writing %q", path)
	}
	err := s.registerPath(&PathInfo{
		Path:       path,
		References: references,
		NarSize:    uint64(len(contents)),
		NarHash:    HashString(contents),
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// ImportFromDirectory copies an existing directory tree (or file) into the
// store under the given path. Intended for tests and local tooling.
func (s *LocalStore) ImportFromDirectory(ctx context.Context, path StorePath, srcDir string, references []StorePath) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(nar.DumpPath(pw, srcDir))
	}()
	var size countingWriter
	tee := io.TeeReader(pr, &size)
	restoreDest := s.realPath(path)
	_ = os.RemoveAll(restoreDest)
	restore := &nar.Restore{Root: restoreDest}
	if err := nar.Parse(tee, restore); err != nil {
		return err
	}
	if err := restore.Close(); err != nil {
		return err
	}
	return s.registerPath(&PathInfo{Path: path, References: references, NarSize: size.n})
}

type countingWriter struct{ n uint64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += uint64(len(p))
	return len(p), nil
}

// EnsurePath makes path valid locally, substituting it from the configured
// substituters when necessary.
func (s *LocalStore) EnsurePath(ctx context.Context, path StorePath) error {
	if ok, _ := s.IsValidPath(ctx, path); ok {
		return nil
	}
	for _, sub := range s.substituters {
		ok, err := sub.IsValidPath(ctx, path)
		if err != nil || !ok {
			continue
		}
		if err := CopyPath(ctx, sub, s, path); err != nil {
			return err
		}
		return nil
	}
	return errPathNotValid(path)
}

// QuerySubstitutablePath reports whether any substituter can supply path.
func (s *LocalStore) QuerySubstitutablePath(ctx context.Context, path StorePath) (bool, error) {
	for _, sub := range s.substituters {
		ok, err := sub.IsValidPath(ctx, path)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// AddPermRoot links root to path so the garbage collector keeps it alive.
func (s *LocalStore) AddPermRoot(path StorePath, root string) error {
	if err := os.MkdirAll(filepath.Dir(root), 0755); err != nil {
		return err
	}
	if _, err := os.Lstat(root); err == nil {
		return nil
	}
	return os.Symlink(string(path), root)
}

func (s *LocalStore) registerPath(info *PathInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	file := filepath.Join(s.stateDir, "info", info.Path.Base()+".json")
	if err := os.WriteFile(file, data, 0644); err != nil {
		return errors.Wrapf(err, "error registering %q", info.Path)
	}
	s.mu.Lock()
	cp := *info
	s.infos[info.Path] = &cp
	s.mu.Unlock()
	return nil
}
