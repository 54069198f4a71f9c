package nar

import (
	"crypto/sha256"
	"hash"
	"io"
	"strings"
)

// MemberType distinguishes the kinds of NAR members.
type MemberType int

const (
	TypeRegular MemberType = iota
	TypeDirectory
	TypeSymlink
)

// MemberData is what Extract records about one NAR member. Contents is only
// retained for the artifact declaration files under nix-support.
type MemberData struct {
	Type     MemberType
	FileSize uint64
	SHA256   []byte
	Contents string
}

// Members maps absolute member paths (store path + path inside the NAR) to
// their recorded data.
type Members map[string]*MemberData

// keepContentSuffixes are the failed marker and the files whose contents
// builds use to declare products, release names and metrics.
var keepContentSuffixes = []string{
	"/nix-support/failed",
	"/nix-support/hydra-build-products",
	"/nix-support/hydra-release-name",
	"/nix-support/hydra-metrics",
}

type extractor struct {
	members Members
	prefix  string

	cur      *MemberData
	hasher   hash.Hash
	keep     bool
	contents strings.Builder
}

func (e *extractor) CreateDirectory(path string) error {
	e.flush()
	e.members[e.prefix+path] = &MemberData{Type: TypeDirectory}
	return nil
}

func (e *extractor) CreateRegularFile(path string, executable bool, size uint64) error {
	e.flush()
	full := e.prefix + path
	e.cur = &MemberData{Type: TypeRegular, FileSize: size}
	e.members[full] = e.cur
	e.hasher = sha256.New()
	e.keep = false
	for _, suffix := range keepContentSuffixes {
		if strings.HasSuffix(full, suffix) {
			e.keep = true
			break
		}
	}
	e.contents.Reset()
	return nil
}

func (e *extractor) FileContents(data []byte) error {
	e.hasher.Write(data)
	if e.keep {
		e.contents.Write(data)
	}
	return nil
}

func (e *extractor) CreateSymlink(path string, target string) error {
	e.flush()
	e.members[e.prefix+path] = &MemberData{Type: TypeSymlink}
	return nil
}

func (e *extractor) flush() {
	if e.cur == nil {
		return
	}
	e.cur.SHA256 = e.hasher.Sum(nil)
	if e.keep {
		e.cur.Contents = e.contents.String()
	}
	e.cur = nil
}

// Extract reads a NAR from r and records for every member its type, size and
// SHA-256, keyed by prefix plus the member's path inside the NAR. Contents of
// the nix-support artifact files are retained verbatim.
func Extract(r io.Reader, prefix string, members Members) error {
	e := &extractor{members: members, prefix: prefix}
	if err := Parse(r, e); err != nil {
		return err
	}
	e.flush()
	return nil
}
