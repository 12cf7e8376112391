package client

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/pieter-berkel/storageflow/protocol"
)

const defaultContentType = "application/octet-stream"

// File is the payload of an upload. Parts are read through io.ReaderAt, so
// parts can be read in parallel and re-read on retry.
type File struct {
	Name string
	Type string
	Size int64

	r      io.ReaderAt
	closer io.Closer
}

// NewFile wraps r holding size bytes. An empty mimeType is derived from the
// name's extension.
func NewFile(name, mimeType string, r io.ReaderAt, size int64) *File {
	if mimeType == "" {
		mimeType = detectType(name)
	}
	return &File{Name: name, Type: mimeType, Size: size, r: r}
}

// BytesFile holds data in memory.
func BytesFile(name, mimeType string, data []byte) *File {
	return NewFile(name, mimeType, bytes.NewReader(data), int64(len(data)))
}

// OpenFile opens the file at path. The caller closes it.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	file := NewFile(filepath.Base(path), "", f, fi.Size())
	file.closer = f
	return file, nil
}

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func (f *File) Info() protocol.FileInfo {
	return protocol.FileInfo{Name: f.Name, Size: f.Size, Type: f.Type}
}

// section returns a fresh reader over [offset, offset+length).
func (f *File) section(offset, length int64) *io.SectionReader {
	return io.NewSectionReader(f.r, offset, length)
}

func detectType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		mt, _, err := mime.ParseMediaType(t)
		if err == nil {
			return mt
		}
	}
	return defaultContentType
}
