package serveproto

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/nix/nar"
)

// WriteDerivation sends a derivation in the on-the-wire form expected by
// CmdBuildDerivation: outputs, input sources, platform, builder, args, env.
// Input derivations are not sent; their selected outputs must already be in
// InputSrcs.
func WriteDerivation(wr *Writer, drv *nix.Derivation) error {
	names := drv.OutputNames()
	if err := wr.WriteUint64(uint64(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		o := drv.Outputs[name]
		for _, s := range []string{name, string(o.Path), o.HashAlgo, o.Hash} {
			if err := wr.WriteString(s); err != nil {
				return err
			}
		}
	}
	srcs := make([]string, len(drv.InputSrcs))
	for i, p := range drv.InputSrcs {
		srcs[i] = string(p)
	}
	sort.Strings(srcs)
	if err := wr.WriteStrings(srcs); err != nil {
		return err
	}
	if err := wr.WriteString(drv.Platform); err != nil {
		return err
	}
	if err := wr.WriteString(drv.Builder); err != nil {
		return err
	}
	if err := wr.WriteStrings(drv.Args); err != nil {
		return err
	}
	if err := wr.WriteUint64(uint64(len(drv.Env))); err != nil {
		return err
	}
	keys := make([]string, 0, len(drv.Env))
	for k := range drv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, name := range keys {
		if err := wr.WriteString(name); err != nil {
			return err
		}
		if err := wr.WriteString(drv.Env[name]); err != nil {
			return err
		}
	}
	return nil
}

// ExportPaths writes each path in the export stream format: a 1 marker, the
// NAR, the export magic, the path, its references and deriver. A trailing 0
// terminates the stream.
func ExportPaths(ctx context.Context, wr *Writer, store nix.Store, paths []nix.StorePath) error {
	for _, path := range paths {
		info, err := store.QueryPathInfo(ctx, path)
		if err != nil {
			return err
		}
		if err := wr.WriteUint64(1); err != nil {
			return err
		}
		if err := store.NarFromPath(ctx, path, wr); err != nil {
			return fmt.Errorf("exporting %q: %w", path, err)
		}
		if err := wr.WriteUint64(exportMagic); err != nil {
			return err
		}
		if err := wr.WriteString(string(path)); err != nil {
			return err
		}
		refs := make([]string, len(info.References))
		for i, r := range info.References {
			refs[i] = string(r)
		}
		sort.Strings(refs)
		if err := wr.WriteStrings(refs); err != nil {
			return err
		}
		if err := wr.WriteString(string(info.Deriver)); err != nil {
			return err
		}
		if err := wr.WriteUint64(0); err != nil { // no signature
			return err
		}
	}
	return wr.WriteUint64(0)
}

type discardSink struct{}

func (discardSink) CreateDirectory(string) error            { return nil }
func (discardSink) CreateRegularFile(string, bool, uint64) error { return nil }
func (discardSink) FileContents([]byte) error               { return nil }
func (discardSink) CreateSymlink(string, string) error      { return nil }

// captureNar consumes exactly one NAR from rd, returning its raw bytes. The
// NAR grammar itself delimits where the archive ends in the byte stream.
func captureNar(rd io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	tee := io.TeeReader(rd, &buf)
	if err := nar.Parse(tee, discardSink{}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ImportPaths reads an export stream and adds each path to store. When
// onImported is non-nil it is called with each path's raw NAR after the path
// has been added, letting callers extract artifact data without a second
// round trip.
func ImportPaths(ctx context.Context, rd *Reader, store nix.Store, storeDir string, onImported func(path nix.StorePath, narData []byte) error) error {
	for {
		marker, err := rd.ReadUint64()
		if err != nil {
			return err
		}
		if marker == 0 {
			return nil
		}
		if marker != 1 {
			return fmt.Errorf("input does not look like an export stream (marker %d)", marker)
		}

		narData, err := captureNar(rd)
		if err != nil {
			return err
		}

		magic, err := rd.ReadUint64()
		if err != nil {
			return err
		}
		if magic != exportMagic {
			return fmt.Errorf("bad export magic %#x", magic)
		}
		pathStr, err := rd.ReadString()
		if err != nil {
			return err
		}
		path, err := nix.ParseStorePath(storeDir, pathStr)
		if err != nil {
			return err
		}
		refStrs, err := rd.ReadStrings()
		if err != nil {
			return err
		}
		references := make([]nix.StorePath, len(refStrs))
		for i, r := range refStrs {
			references[i], err = nix.ParseStorePath(storeDir, r)
			if err != nil {
				return err
			}
		}
		deriverStr, err := rd.ReadString()
		if err != nil {
			return err
		}
		var deriver nix.StorePath
		if deriverStr != "" {
			deriver = nix.StorePath(deriverStr)
		}
		if _, err := rd.ReadUint64(); err != nil { // signature marker
			return err
		}

		info := &nix.PathInfo{
			Path:       path,
			Deriver:    deriver,
			References: references,
			NarSize:    uint64(len(narData)),
			NarHash:    nix.HashBytes(narData),
		}
		if err := store.AddToStore(ctx, info, bytes.NewReader(narData)); err != nil {
			return fmt.Errorf("importing %q: %w", path, err)
		}
		if onImported != nil {
			if err := onImported(path, narData); err != nil {
				return err
			}
		}
	}
}
