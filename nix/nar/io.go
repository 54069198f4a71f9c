package nar

import (
	"encoding/binary"
	"fmt"
	"io"
)

// NAR framing: unsigned 64-bit little-endian integers; strings are a length
// followed by the bytes, zero-padded up to the next 8 byte boundary.

type reader struct {
	r   io.Reader
	buf [8]byte
}

func (rd *reader) readUint64() (uint64, error) {
	if _, err := io.ReadFull(rd.r, rd.buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(rd.buf[:]), nil
}

func (rd *reader) readString() (string, error) {
	n, err := rd.readUint64()
	if err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("NAR token of %d bytes is too long", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(rd.r, data); err != nil {
		return "", err
	}
	if err := rd.readPadding(n); err != nil {
		return "", err
	}
	return string(data), nil
}

func (rd *reader) readPadding(n uint64) error {
	if pad := int(n % 8); pad != 0 {
		if _, err := io.ReadFull(rd.r, rd.buf[:8-pad]); err != nil {
			return err
		}
		for _, b := range rd.buf[:8-pad] {
			if b != 0 {
				return fmt.Errorf("non-zero padding in NAR")
			}
		}
	}
	return nil
}

func (rd *reader) expect(tok string) error {
	s, err := rd.readString()
	if err != nil {
		return err
	}
	if s != tok {
		return fmt.Errorf("expected NAR token %q, got %q", tok, s)
	}
	return nil
}

// streamBytes reads n payload bytes plus padding, handing chunks to fn.
func (rd *reader) streamBytes(n uint64, fn func([]byte) error) error {
	buf := make([]byte, 64*1024)
	remaining := n
	for remaining > 0 {
		chunk := uint64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		m, err := io.ReadFull(rd.r, buf[:chunk])
		if err != nil {
			return err
		}
		if err := fn(buf[:m]); err != nil {
			return err
		}
		remaining -= uint64(m)
	}
	return rd.readPadding(n)
}

type writer struct {
	w   io.Writer
	err error
	buf [8]byte
}

func (wr *writer) writeUint64(n uint64) {
	if wr.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(wr.buf[:], n)
	_, wr.err = wr.w.Write(wr.buf[:])
}

func (wr *writer) writeString(s string) {
	wr.writeUint64(uint64(len(s)))
	if wr.err != nil {
		return
	}
	if _, wr.err = wr.w.Write([]byte(s)); wr.err != nil {
		return
	}
	wr.writePadding(uint64(len(s)))
}

func (wr *writer) writePadding(n uint64) {
	if wr.err != nil {
		return
	}
	if pad := int(n % 8); pad != 0 {
		zero := [8]byte{}
		_, wr.err = wr.w.Write(zero[:8-pad])
	}
}

func (wr *writer) writeFile(r io.Reader, size uint64) error {
	wr.writeUint64(size)
	if wr.err != nil {
		return wr.err
	}
	n, err := io.Copy(wr.w, r)
	if err != nil {
		wr.err = err
		return err
	}
	if uint64(n) != size {
		wr.err = fmt.Errorf("file changed size while dumping (%d != %d)", n, size)
		return wr.err
	}
	wr.writePadding(size)
	return wr.err
}
