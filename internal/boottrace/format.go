package boottrace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Log header.
const (
	Magic   = "LSBT"
	Version = uint16(1)
)

// Record kinds.
const (
	kindProcessStart uint8 = 1
	kindImageLoad    uint8 = 2
)

const maxImagePath = 4096

var (
	// ErrMalformedRecord is returned for a truncated or unknown record.
	ErrMalformedRecord = errors.New("malformed boot trace record")

	// ErrBadHeader is returned when the log does not start with a supported header.
	ErrBadHeader = errors.New("not a boot trace log")
)

// Record is one entry of the log: *ProcessStart or *ImageLoad.
type Record interface {
	RecordPid() uint32
	RecordTime() int64
}

// ProcessStart is the kernel's process-creation notification.
type ProcessStart struct {
	Pid        uint32
	ParentPid  uint32
	CreateTime int64 // Unix nanoseconds
}

func (r *ProcessStart) RecordPid() uint32 { return r.Pid }
func (r *ProcessStart) RecordTime() int64 { return r.CreateTime }

// ImageLoad is the kernel's notification that pid mapped its main image.
type ImageLoad struct {
	Pid       uint32
	Timestamp int64 // Unix nanoseconds
	ImagePath string
}

func (r *ImageLoad) RecordPid() uint32 { return r.Pid }
func (r *ImageLoad) RecordTime() int64 { return r.Timestamp }

// Writer appends records to a log.
type Writer struct {
	w *bufio.Writer
}

// NewWriter writes the log header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(bw, binary.LittleEndian, Version); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

// Write appends rec.
func (w *Writer) Write(rec Record) error {
	switch r := rec.(type) {
	case *ProcessStart:
		if err := w.w.WriteByte(kindProcessStart); err != nil {
			return err
		}
		return binary.Write(w.w, binary.LittleEndian, r)
	case *ImageLoad:
		if len(r.ImagePath) > maxImagePath {
			return fmt.Errorf("image path of pid %d: %d bytes exceeds %d", r.Pid, len(r.ImagePath), maxImagePath)
		}
		if err := w.w.WriteByte(kindImageLoad); err != nil {
			return err
		}
		hdr := struct {
			Pid       uint32
			Timestamp int64
			PathLen   uint16
		}{r.Pid, r.Timestamp, uint16(len(r.ImagePath))} //nolint:gosec // bounded above
		if err := binary.Write(w.w, binary.LittleEndian, &hdr); err != nil {
			return err
		}
		_, err := w.w.WriteString(r.ImagePath)
		return err
	default:
		return fmt.Errorf("unsupported record %T", rec)
	}
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reader decodes a log.
type Reader struct {
	r *bufio.Reader
}

// NewReader validates the header of r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != Magic {
		return nil, ErrBadHeader
	}
	var version uint16
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, ErrBadHeader
	}
	if version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrBadHeader, version)
	}
	return &Reader{r: br}, nil
}

// Next returns the next record, or io.EOF at a clean end of log.
func (r *Reader) Next() (Record, error) {
	kind, err := r.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindProcessStart:
		var rec ProcessStart
		if err := binary.Read(r.r, binary.LittleEndian, &rec); err != nil {
			return nil, truncated(err)
		}
		return &rec, nil

	case kindImageLoad:
		var hdr struct {
			Pid       uint32
			Timestamp int64
			PathLen   uint16
		}
		if err := binary.Read(r.r, binary.LittleEndian, &hdr); err != nil {
			return nil, truncated(err)
		}
		if hdr.PathLen > maxImagePath {
			return nil, fmt.Errorf("%w: image path length %d", ErrMalformedRecord, hdr.PathLen)
		}
		path := make([]byte, hdr.PathLen)
		if _, err := io.ReadFull(r.r, path); err != nil {
			return nil, truncated(err)
		}
		return &ImageLoad{Pid: hdr.Pid, Timestamp: hdr.Timestamp, ImagePath: string(path)}, nil

	default:
		return nil, fmt.Errorf("%w: kind %d", ErrMalformedRecord, kind)
	}
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated", ErrMalformedRecord)
	}
	return err
}
