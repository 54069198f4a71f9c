package serveproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// Reader decodes the length-tagged framing and counts bytes received.
type Reader struct {
	r         io.Reader
	buf       [8]byte
	bytesRead uint64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rd *Reader) BytesRead() uint64 {
	return atomic.LoadUint64(&rd.bytesRead)
}

func (rd *Reader) Read(p []byte) (int, error) {
	n, err := rd.r.Read(p)
	atomic.AddUint64(&rd.bytesRead, uint64(n))
	return n, err
}

func (rd *Reader) ReadUint64() (uint64, error) {
	if _, err := io.ReadFull(rd, rd.buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(rd.buf[:]), nil
}

func (rd *Reader) ReadString() (string, error) {
	n, err := rd.ReadUint64()
	if err != nil {
		return "", err
	}
	if n > 1<<26 {
		return "", fmt.Errorf("string of %d bytes exceeds protocol limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(rd, data); err != nil {
		return "", err
	}
	if err := rd.readPadding(n); err != nil {
		return "", err
	}
	return string(data), nil
}

func (rd *Reader) ReadStrings() ([]string, error) {
	n, err := rd.ReadUint64()
	if err != nil {
		return nil, err
	}
	if n > 1<<20 {
		return nil, fmt.Errorf("string list of %d entries exceeds protocol limit", n)
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := rd.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (rd *Reader) readPadding(n uint64) error {
	if pad := int(n % 8); pad != 0 {
		if _, err := io.ReadFull(rd, rd.buf[:8-pad]); err != nil {
			return err
		}
	}
	return nil
}

// Writer encodes the length-tagged framing and counts bytes sent.
type Writer struct {
	w            io.Writer
	buf          [8]byte
	bytesWritten uint64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (wr *Writer) BytesWritten() uint64 {
	return atomic.LoadUint64(&wr.bytesWritten)
}

func (wr *Writer) Write(p []byte) (int, error) {
	n, err := wr.w.Write(p)
	atomic.AddUint64(&wr.bytesWritten, uint64(n))
	return n, err
}

func (wr *Writer) WriteUint64(n uint64) error {
	binary.LittleEndian.PutUint64(wr.buf[:], n)
	_, err := wr.Write(wr.buf[:])
	return err
}

func (wr *Writer) WriteBool(b bool) error {
	if b {
		return wr.WriteUint64(1)
	}
	return wr.WriteUint64(0)
}

func (wr *Writer) WriteString(s string) error {
	if err := wr.WriteUint64(uint64(len(s))); err != nil {
		return err
	}
	if _, err := wr.Write([]byte(s)); err != nil {
		return err
	}
	return wr.writePadding(uint64(len(s)))
}

func (wr *Writer) WriteStrings(strs []string) error {
	if err := wr.WriteUint64(uint64(len(strs))); err != nil {
		return err
	}
	for _, s := range strs {
		if err := wr.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

func (wr *Writer) writePadding(n uint64) error {
	if pad := int(n % 8); pad != 0 {
		zero := [8]byte{}
		_, err := wr.Write(zero[:8-pad])
		return err
	}
	return nil
}
