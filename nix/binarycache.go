package nix

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/hydrogen-ci/hydrogen/common/gerror"
)

// BlobStore is the byte-level backend of a binary cache: a flat namespace of
// files. Implementations exist for a local directory and for S3.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, contentType string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// BinaryCacheStore is a Store laid out as .narinfo metadata plus compressed
// NAR files in a BlobStore, the layout substituters understand.
type BinaryCacheStore struct {
	storeDir string
	blobs    BlobStore

	mu       sync.Mutex
	narinfos map[StorePath]*PathInfo

	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ Store = (*BinaryCacheStore)(nil)

func NewBinaryCacheStore(storeDir string, blobs BlobStore) (*BinaryCacheStore, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &BinaryCacheStore{
		storeDir: storeDir,
		blobs:    blobs,
		narinfos: make(map[StorePath]*PathInfo),
		enc:      enc,
		dec:      dec,
	}, nil
}

func (s *BinaryCacheStore) StoreDir() string {
	return s.storeDir
}

func narInfoKey(p StorePath) string {
	return p.HashPart() + ".narinfo"
}

func (s *BinaryCacheStore) IsValidPath(ctx context.Context, path StorePath) (bool, error) {
	_, err := s.QueryPathInfo(ctx, path)
	if gerror.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BinaryCacheStore) QueryValidPaths(ctx context.Context, paths []StorePath) ([]StorePath, error) {
	var valid []StorePath
	for _, p := range paths {
		ok, err := s.IsValidPath(ctx, p)
		if err != nil {
			return nil, err
		}
		if ok {
			valid = append(valid, p)
		}
	}
	return valid, nil
}

func (s *BinaryCacheStore) QueryPathInfo(ctx context.Context, path StorePath) (*PathInfo, error) {
	s.mu.Lock()
	if info, ok := s.narinfos[path]; ok {
		s.mu.Unlock()
		cp := *info
		return &cp, nil
	}
	s.mu.Unlock()

	data, err := s.blobs.Get(ctx, narInfoKey(path))
	if gerror.IsNotFound(err) {
		return nil, errPathNotValid(path)
	}
	if err != nil {
		return nil, err
	}
	info, err := parseNarInfo(s.storeDir, string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing narinfo of %q", path)
	}
	s.mu.Lock()
	s.narinfos[path] = info
	s.mu.Unlock()
	cp := *info
	return &cp, nil
}

func (s *BinaryCacheStore) AddToStore(ctx context.Context, info *PathInfo, narStream io.Reader) error {
	raw, err := io.ReadAll(narStream)
	if err != nil {
		return err
	}
	narHash := HashBytes(raw)
	compressed := s.enc.EncodeAll(raw, nil)
	narKey := "nar/" + narHash.Base32() + ".nar.zst"
	if err := s.blobs.Put(ctx, narKey, "application/x-nix-nar", compressed); err != nil {
		return errors.Wrapf(err, "error uploading NAR of %q", info.Path)
	}

	stored := *info
	stored.NarHash = narHash
	stored.NarSize = uint64(len(raw))
	narInfo := renderNarInfo(&stored, narKey, "zstd", HashBytes(compressed), uint64(len(compressed)))
	if err := s.blobs.Put(ctx, narInfoKey(info.Path), "text/x-nix-narinfo", []byte(narInfo)); err != nil {
		return errors.Wrapf(err, "error uploading narinfo of %q", info.Path)
	}
	s.mu.Lock()
	s.narinfos[info.Path] = &stored
	s.mu.Unlock()
	return nil
}

func (s *BinaryCacheStore) NarFromPath(ctx context.Context, path StorePath, w io.Writer) error {
	data, err := s.blobs.Get(ctx, narInfoKey(path))
	if gerror.IsNotFound(err) {
		return errPathNotValid(path)
	}
	if err != nil {
		return err
	}
	info, err := parseNarInfoFull(s.storeDir, string(data))
	if err != nil {
		return err
	}
	compressed, err := s.blobs.Get(ctx, info.url)
	if err != nil {
		return errors.Wrapf(err, "error fetching NAR of %q", path)
	}
	var raw []byte
	switch info.compression {
	case "zstd":
		raw, err = s.dec.DecodeAll(compressed, nil)
	case "none", "":
		raw = compressed
	default:
		return fmt.Errorf("unsupported NAR compression %q", info.compression)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func (s *BinaryCacheStore) ReadDerivation(ctx context.Context, path StorePath) (*Derivation, error) {
	return nil, fmt.Errorf("binary cache stores do not expose derivation files")
}

func (s *BinaryCacheStore) WriteDerivation(ctx context.Context, drv *Derivation) (StorePath, error) {
	return "", fmt.Errorf("binary cache stores do not accept derivation files")
}

// UpsertFile writes an arbitrary file (such as a build log) into the cache.
func (s *BinaryCacheStore) UpsertFile(ctx context.Context, key, contentType string, data []byte) error {
	return s.blobs.Put(ctx, key, contentType, data)
}

type narInfoExtra struct {
	url         string
	compression string
}

func parseNarInfo(storeDir, text string) (*PathInfo, error) {
	full, err := parseNarInfoFull(storeDir, text)
	if err != nil {
		return nil, err
	}
	return &full.PathInfo, nil
}

type fullNarInfo struct {
	PathInfo
	narInfoExtra
}

func parseNarInfoFull(storeDir, text string) (*fullNarInfo, error) {
	info := &fullNarInfo{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed narinfo line %q", line)
		}
		value = strings.TrimSpace(value)
		switch key {
		case "StorePath":
			p, err := ParseStorePath(storeDir, value)
			if err != nil {
				return nil, err
			}
			info.Path = p
		case "URL":
			info.url = value
		case "Compression":
			info.compression = value
		case "NarHash":
			h, err := ParseHash(value)
			if err != nil {
				return nil, err
			}
			info.NarHash = h
		case "NarSize":
			if _, err := fmt.Sscanf(value, "%d", &info.NarSize); err != nil {
				return nil, fmt.Errorf("bad NarSize %q", value)
			}
		case "References":
			if value != "" {
				for _, base := range strings.Fields(value) {
					info.References = append(info.References, StorePath(storeDir+"/"+base))
				}
			}
		case "Deriver":
			if value != "" {
				info.Deriver = StorePath(storeDir + "/" + value)
			}
		}
	}
	if info.Path == "" {
		return nil, fmt.Errorf("narinfo is missing StorePath")
	}
	return info, nil
}

func renderNarInfo(info *PathInfo, url, compression string, fileHash Hash, fileSize uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: %s\n", info.Path)
	fmt.Fprintf(&b, "URL: %s\n", url)
	fmt.Fprintf(&b, "Compression: %s\n", compression)
	fmt.Fprintf(&b, "FileHash: %s\n", fileHash)
	fmt.Fprintf(&b, "FileSize: %d\n", fileSize)
	fmt.Fprintf(&b, "NarHash: %s\n", info.NarHash)
	fmt.Fprintf(&b, "NarSize: %d\n", info.NarSize)
	refs := make([]string, len(info.References))
	for i, r := range info.References {
		refs[i] = r.Base()
	}
	fmt.Fprintf(&b, "References: %s\n", strings.Join(refs, " "))
	if info.Deriver != "" {
		fmt.Fprintf(&b, "Deriver: %s\n", info.Deriver.Base())
	}
	return b.String()
}

// DirBlobStore is a BlobStore over a local directory.
type DirBlobStore struct {
	root string
}

func NewDirBlobStore(root string) (*DirBlobStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &DirBlobStore{root: root}, nil
}

func (s *DirBlobStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *DirBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, gerror.NewErrNotFound(fmt.Sprintf("blob %q not found", key))
	}
	return data, err
}

func (s *DirBlobStore) Put(ctx context.Context, key string, contentType string, data []byte) error {
	file := s.path(key)
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return err
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, file)
}

func (s *DirBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Lstat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
