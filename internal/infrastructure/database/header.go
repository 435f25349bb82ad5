package database

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// headerSize is the length of the database file header.
const headerSize = 100

var headerMagic = []byte("SQLite format 3\x00")

// Text encodings stored at header offset 56.
const (
	EncodingUTF8    = 1
	EncodingUTF16LE = 2
	EncodingUTF16BE = 3
)

// Header is the parsed 100-byte database file header.
type Header struct {
	// Empty is set for a zero-length file, which SQLite treats as a new
	// empty database. The other fields are zero.
	Empty bool

	PageSize      int
	WriteVersion  byte
	ReadVersion   byte
	ReservedBytes byte
	ChangeCounter uint32
	PageCount     uint32
	SchemaCookie  uint32
	SchemaFormat  uint32
	TextEncoding  uint32
	UserVersion   uint32
	ApplicationID uint32
	SQLiteVersion uint32
}

// ValidateHeader checks that path holds a SQLite database before the
// engine is asked to open it, so that a non-database file fails with
// ErrNotADatabase instead of a driver error on first use.
func ValidateHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, openError(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Header{}, fmt.Errorf("%w: %s is a directory", ErrNotADatabase, path)
	}
	if info.Size() == 0 {
		return Header{Empty: true}, nil
	}

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, fmt.Errorf("%w: file is shorter than a database header", ErrNotADatabase)
		}
		return Header{}, fmt.Errorf("reading header: %w", err)
	}
	return ParseHeader(buf)
}

// ParseHeader decodes the first 100 bytes of a database file.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes", ErrNotADatabase, len(buf))
	}
	if !bytes.Equal(buf[:len(headerMagic)], headerMagic) {
		return Header{}, fmt.Errorf("%w: missing SQLite magic string", ErrNotADatabase)
	}

	// A stored page size of 1 means 65536.
	pageSize := int(binary.BigEndian.Uint16(buf[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if pageSize < 512 || pageSize > 65536 || pageSize&(pageSize-1) != 0 {
		return Header{}, fmt.Errorf("%w: invalid page size %d", ErrNotADatabase, pageSize)
	}

	h := Header{
		PageSize:      pageSize,
		WriteVersion:  buf[18],
		ReadVersion:   buf[19],
		ReservedBytes: buf[20],
		ChangeCounter: binary.BigEndian.Uint32(buf[24:28]),
		PageCount:     binary.BigEndian.Uint32(buf[28:32]),
		SchemaCookie:  binary.BigEndian.Uint32(buf[40:44]),
		SchemaFormat:  binary.BigEndian.Uint32(buf[44:48]),
		TextEncoding:  binary.BigEndian.Uint32(buf[56:60]),
		UserVersion:   binary.BigEndian.Uint32(buf[60:64]),
		ApplicationID: binary.BigEndian.Uint32(buf[68:72]),
		SQLiteVersion: binary.BigEndian.Uint32(buf[96:100]),
	}
	if h.WriteVersion < 1 || h.WriteVersion > 2 || h.ReadVersion < 1 || h.ReadVersion > 2 {
		return Header{}, fmt.Errorf("%w: unsupported file format version %d/%d", ErrNotADatabase, h.WriteVersion, h.ReadVersion)
	}
	return h, nil
}

// openError maps os errors onto the package sentinels.
func openError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return err
	}
}
