package nix

import (
	"context"
	"fmt"
	"io"

	"github.com/hydrogen-ci/hydrogen/common/gerror"
)

// PathInfo is the metadata of one valid store path.
type PathInfo struct {
	Path       StorePath
	Deriver    StorePath
	References []StorePath
	NarHash    Hash
	NarSize    uint64
}

// Store is a content-addressed store holding build inputs and outputs. The
// queue runner only orchestrates; everything that touches store objects goes
// through this interface.
type Store interface {
	StoreDir() string

	IsValidPath(ctx context.Context, path StorePath) (bool, error)

	// QueryValidPaths returns the subset of paths that are valid.
	QueryValidPaths(ctx context.Context, paths []StorePath) ([]StorePath, error)

	// QueryPathInfo returns gerror.ErrCodeNotFound if the path is not valid.
	QueryPathInfo(ctx context.Context, path StorePath) (*PathInfo, error)

	// AddToStore imports one store object from its NAR serialisation.
	AddToStore(ctx context.Context, info *PathInfo, nar io.Reader) error

	// NarFromPath writes the NAR serialisation of path to w.
	NarFromPath(ctx context.Context, path StorePath, w io.Writer) error

	// ReadDerivation parses the derivation file at path.
	ReadDerivation(ctx context.Context, path StorePath) (*Derivation, error)

	// WriteDerivation adds a derivation to the store, returning its path.
	WriteDerivation(ctx context.Context, drv *Derivation) (StorePath, error)
}

// ComputeFSClosure returns path and everything it transitively references.
func ComputeFSClosure(ctx context.Context, store Store, paths ...StorePath) ([]StorePath, error) {
	seen := make(map[StorePath]bool)
	var closure []StorePath
	var visit func(p StorePath) error
	visit = func(p StorePath) error {
		if seen[p] {
			return nil
		}
		seen[p] = true
		info, err := store.QueryPathInfo(ctx, p)
		if err != nil {
			return fmt.Errorf("computing closure of %q: %w", p, err)
		}
		closure = append(closure, p)
		for _, ref := range info.References {
			if ref == p {
				continue // self reference
			}
			if err := visit(ref); err != nil {
				return err
			}
		}
		return nil
	}
	for _, p := range paths {
		if err := visit(p); err != nil {
			return nil, err
		}
	}
	return closure, nil
}

// TopoSortPaths sorts paths such that every path appears before the paths it
// references (dependencies first when the result is walked in reverse).
func TopoSortPaths(ctx context.Context, store Store, paths []StorePath) ([]StorePath, error) {
	inSet := make(map[StorePath]bool, len(paths))
	for _, p := range paths {
		inSet[p] = true
	}
	visited := make(map[StorePath]bool)
	var sorted []StorePath
	var visit func(p StorePath) error
	visit = func(p StorePath) error {
		if visited[p] {
			return nil
		}
		visited[p] = true
		info, err := store.QueryPathInfo(ctx, p)
		if err != nil {
			return err
		}
		for _, ref := range info.References {
			if ref != p && inSet[ref] {
				if err := visit(ref); err != nil {
					return err
				}
			}
		}
		sorted = append(sorted, p)
		return nil
	}
	for _, p := range paths {
		if err := visit(p); err != nil {
			return nil, err
		}
	}
	// References-first order; callers expect the reverse (referrers first).
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	return sorted, nil
}

// CopyClosure copies the closure of paths from src to dst, skipping paths dst
// already has.
func CopyClosure(ctx context.Context, src, dst Store, paths []StorePath) error {
	closure, err := ComputeFSClosure(ctx, src, paths...)
	if err != nil {
		return err
	}
	valid, err := dst.QueryValidPaths(ctx, closure)
	if err != nil {
		return err
	}
	validSet := make(map[StorePath]bool, len(valid))
	for _, p := range valid {
		validSet[p] = true
	}
	sorted, err := TopoSortPaths(ctx, src, closure)
	if err != nil {
		return err
	}
	// Copy dependencies before referrers.
	for i := len(sorted) - 1; i >= 0; i-- {
		p := sorted[i]
		if validSet[p] {
			continue
		}
		if err := CopyPath(ctx, src, dst, p); err != nil {
			return err
		}
	}
	return nil
}

// CopyPath copies a single store object from src to dst.
func CopyPath(ctx context.Context, src, dst Store, path StorePath) error {
	info, err := src.QueryPathInfo(ctx, path)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(src.NarFromPath(ctx, path, pw))
	}()
	if err := dst.AddToStore(ctx, info, pr); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("copying %q: %w", path, err)
	}
	return nil
}

func errPathNotValid(path StorePath) error {
	return gerror.NewErrNotFound(fmt.Sprintf("path %q is not valid", path))
}
