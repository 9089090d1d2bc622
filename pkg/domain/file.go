package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// MetaDescription is the file metadata key holding the file's annotation.
const MetaDescription = "description"

// FileContent is an immutable blob addressed by the hash of its bytes.
// Files in different snapshots with identical bytes share one FileContent.
type FileContent struct {
	ID      string
	Content []byte
}

// String returns the content as text.
func (c *FileContent) String() string {
	if c == nil {
		return ""
	}
	return string(c.Content)
}

// HashContent returns the content address for the given bytes (hex SHA-256).
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// File is a path in one snapshot pointing at shared content.
type File struct {
	Path    string
	Content *FileContent
	Meta    map[string]any
}

// Description returns the file annotation, if any.
func (f File) Description() string {
	s, _ := f.Meta[MetaDescription].(string)
	return s
}

// clone returns a new entry with the same content reference.
func (f File) clone() File {
	f.Meta = cloneMap(f.Meta)
	return f
}
