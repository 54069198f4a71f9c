// Package nar implements the canonical serialisation of a store object's
// file tree, including a streaming parser that exposes file contents to a
// callback as they are read off the wire.
package nar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

const narVersionMagic = "nix-archive-1"

// Sink receives the members of a NAR as the parser discovers them. Paths are
// slash-separated and start with "/" ("" denotes the root object itself,
// whatever its type).
type Sink interface {
	CreateDirectory(path string) error
	CreateRegularFile(path string, executable bool, size uint64) error
	// FileContents is called zero or more times after CreateRegularFile
	// until size bytes have been delivered.
	FileContents(data []byte) error
	CreateSymlink(path string, target string) error
}

// Parse reads a NAR from r and drives sink.
func Parse(r io.Reader, sink Sink) error {
	rd := &reader{r: r}
	magic, err := rd.readString()
	if err != nil {
		return err
	}
	if magic != narVersionMagic {
		return fmt.Errorf("input is not a NAR (bad magic %q)", magic)
	}
	return parseNode(rd, sink, "")
}

func parseNode(rd *reader, sink Sink, path string) error {
	if err := rd.expect("("); err != nil {
		return err
	}
	if err := rd.expect("type"); err != nil {
		return err
	}
	typ, err := rd.readString()
	if err != nil {
		return err
	}
	switch typ {
	case "regular":
		tok, err := rd.readString()
		if err != nil {
			return err
		}
		executable := false
		if tok == "executable" {
			executable = true
			if _, err := rd.readString(); err != nil { // the empty marker
				return err
			}
			if tok, err = rd.readString(); err != nil {
				return err
			}
		}
		if tok != "contents" {
			return fmt.Errorf("expected contents, got %q", tok)
		}
		size, err := rd.readUint64()
		if err != nil {
			return err
		}
		if err := sink.CreateRegularFile(path, executable, size); err != nil {
			return err
		}
		if err := rd.streamBytes(size, sink.FileContents); err != nil {
			return err
		}
		return rd.expect(")")

	case "symlink":
		if err := rd.expect("target"); err != nil {
			return err
		}
		target, err := rd.readString()
		if err != nil {
			return err
		}
		if err := sink.CreateSymlink(path, target); err != nil {
			return err
		}
		return rd.expect(")")

	case "directory":
		if err := sink.CreateDirectory(path); err != nil {
			return err
		}
		for {
			tok, err := rd.readString()
			if err != nil {
				return err
			}
			if tok == ")" {
				return nil
			}
			if tok != "entry" {
				return fmt.Errorf("expected entry, got %q", tok)
			}
			if err := rd.expect("("); err != nil {
				return err
			}
			if err := rd.expect("name"); err != nil {
				return err
			}
			name, err := rd.readString()
			if err != nil {
				return err
			}
			if name == "" || name == "." || name == ".." {
				return fmt.Errorf("NAR contains invalid entry name %q", name)
			}
			if err := rd.expect("node"); err != nil {
				return err
			}
			if err := parseNode(rd, sink, path+"/"+name); err != nil {
				return err
			}
			if err := rd.expect(")"); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("unknown NAR node type %q", typ)
	}
}

// DumpPath serialises the file or directory at fsPath to w as a NAR.
func DumpPath(w io.Writer, fsPath string) error {
	wr := &writer{w: w}
	wr.writeString(narVersionMagic)
	if err := dumpNode(wr, fsPath); err != nil {
		return err
	}
	return wr.err
}

func dumpNode(wr *writer, fsPath string) error {
	st, err := os.Lstat(fsPath)
	if err != nil {
		return err
	}
	wr.writeString("(")
	wr.writeString("type")
	switch {
	case st.Mode().IsRegular():
		wr.writeString("regular")
		if st.Mode()&0111 != 0 {
			wr.writeString("executable")
			wr.writeString("")
		}
		wr.writeString("contents")
		f, err := os.Open(fsPath)
		if err != nil {
			return err
		}
		err = wr.writeFile(f, uint64(st.Size()))
		f.Close()
		if err != nil {
			return err
		}

	case st.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return err
		}
		wr.writeString("symlink")
		wr.writeString("target")
		wr.writeString(target)

	case st.IsDir():
		wr.writeString("directory")
		entries, err := os.ReadDir(fsPath)
		if err != nil {
			return err
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		sort.Strings(names)
		for _, name := range names {
			wr.writeString("entry")
			wr.writeString("(")
			wr.writeString("name")
			wr.writeString(name)
			wr.writeString("node")
			if err := dumpNode(wr, filepath.Join(fsPath, name)); err != nil {
				return err
			}
			wr.writeString(")")
		}

	default:
		return fmt.Errorf("path %q has an unsupported file type", fsPath)
	}
	wr.writeString(")")
	return wr.err
}

// Restore is a Sink that recreates the NAR member tree under root.
type Restore struct {
	Root string
	file *os.File
}

func (s *Restore) CreateDirectory(path string) error {
	return os.MkdirAll(filepath.Join(s.Root, filepath.FromSlash(path)), 0755)
}

func (s *Restore) CreateRegularFile(path string, executable bool, size uint64) error {
	if s.file != nil {
		s.file.Close()
	}
	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	f, err := os.OpenFile(filepath.Join(s.Root, filepath.FromSlash(path)), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	s.file = f
	if size == 0 {
		s.file.Close()
		s.file = nil
	}
	return nil
}

func (s *Restore) FileContents(data []byte) error {
	if s.file == nil {
		return fmt.Errorf("file contents without an open file")
	}
	if _, err := s.file.Write(data); err != nil {
		return err
	}
	return nil
}

func (s *Restore) CreateSymlink(path string, target string) error {
	return os.Symlink(target, filepath.Join(s.Root, filepath.FromSlash(path)))
}

// Close closes the last open regular file, if any.
func (s *Restore) Close() error {
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
