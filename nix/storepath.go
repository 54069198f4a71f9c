package nix

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultStoreDir is where store objects live unless a store says otherwise.
const DefaultStoreDir = "/nix/store"

const hashPartLen = 32 // base-32 encoding of a 20 byte compressed hash

var nameRegexp = regexp.MustCompile(`^[a-zA-Z0-9+\-._?=]+$`)

// StorePath is the absolute path of a store object, e.g.
// /nix/store/p5g2qxl4wnlvvcp3q11m7y1xzmr0kz4p-hello-2.12.
type StorePath string

// ParseStorePath validates that path denotes a store object directly below
// storeDir.
func ParseStorePath(storeDir, path string) (StorePath, error) {
	cleaned := filepath.Clean(path)
	dir, base := filepath.Split(cleaned)
	if filepath.Clean(dir) != filepath.Clean(storeDir) {
		return "", fmt.Errorf("path %q is not in the store %q", path, storeDir)
	}
	if err := validateBase(base); err != nil {
		return "", fmt.Errorf("path %q: %w", path, err)
	}
	return StorePath(cleaned), nil
}

func validateBase(base string) error {
	if len(base) < hashPartLen+1 || base[hashPartLen] != '-' {
		return fmt.Errorf("malformed store path basename %q", base)
	}
	hashPart, name := base[:hashPartLen], base[hashPartLen+1:]
	if _, err := DecodeBase32(hashPart); err != nil {
		return fmt.Errorf("malformed store path hash %q: %w", hashPart, err)
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid store path name %q", name)
	}
	return nil
}

// Base returns "<hash>-<name>".
func (p StorePath) Base() string {
	return filepath.Base(string(p))
}

// HashPart returns the base-32 hash prefix of the basename.
func (p StorePath) HashPart() string {
	return p.Base()[:hashPartLen]
}

// Name returns the part of the basename after the hash.
func (p StorePath) Name() string {
	return p.Base()[hashPartLen+1:]
}

func (p StorePath) String() string {
	return string(p)
}

// IsDerivation reports whether the path names a derivation file.
func (p StorePath) IsDerivation() bool {
	return strings.HasSuffix(string(p), DrvExtension)
}

// DrvName returns the derivation name with the .drv extension stripped.
func (p StorePath) DrvName() string {
	return strings.TrimSuffix(p.Name(), DrvExtension)
}

// MakeOutputPath computes the store path of a derivation output from the
// derivation hash-modulo, following the "output:<id>" fingerprint scheme.
func MakeOutputPath(storeDir, outputName string, drvHash Hash, drvName string) StorePath {
	name := drvName
	if outputName != "out" {
		name = drvName + "-" + outputName
	}
	fingerprint := "output:" + outputName + ":sha256:" + drvHash.Base16() + ":" + storeDir + ":" + name
	hashPart := EncodeBase32(CompressHash(HashString(fingerprint), 20))
	return StorePath(storeDir + "/" + hashPart + "-" + name)
}

// MakeTextPath computes the store path for a text file (such as a derivation)
// with the given references.
func MakeTextPath(storeDir, name string, contentHash Hash, references []StorePath) StorePath {
	refs := make([]string, len(references))
	for i, r := range references {
		refs[i] = string(r)
	}
	sort.Strings(refs)
	fingerprint := "text:" + strings.Join(refs, ":")
	if len(references) > 0 {
		fingerprint += ":"
	}
	fingerprint += "sha256:" + contentHash.Base16() + ":" + storeDir + ":" + name
	hashPart := EncodeBase32(CompressHash(HashString(fingerprint), 20))
	return StorePath(storeDir + "/" + hashPart + "-" + name)
}
