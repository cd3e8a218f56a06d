package notes

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"time"
)

// Fingerprinter hashes an ordered sequence of tuples. Fields are length
// prefixed so ("ab","c") and ("a","bc") never collide.
type Fingerprinter struct {
	h      hash.Hash
	tuples int
}

func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{h: sha256.New()}
}

func (f *Fingerprinter) Tuple(fields ...string) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(fields)))
	_, _ = f.h.Write(size[:])
	for _, field := range fields {
		binary.BigEndian.PutUint64(size[:], uint64(len(field)))
		_, _ = f.h.Write(size[:])
		_, _ = f.h.Write([]byte(field))
	}
	f.tuples++
}

func (f *Fingerprinter) Len() int {
	return f.tuples
}

func (f *Fingerprinter) Sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}

// FingerprintNotes hashes the visible content of an ordered snapshot:
// author, creation time, body length and resolved author name per note,
// plus the pinned, done and deleted flags.
func FingerprintNotes(snapshot []Note, nameOf func(authorID string) string) string {
	fp := NewFingerprinter()
	for _, note := range snapshot {
		name := ""
		if nameOf != nil {
			name = nameOf(note.AuthorID)
		}
		fp.Tuple(
			note.AuthorID,
			note.CreatedAt.UTC().Format(time.RFC3339Nano),
			strconv.Itoa(len(note.Body)),
			name,
			strconv.FormatBool(note.Pinned),
			strconv.FormatBool(note.Done),
			strconv.FormatBool(note.Deleted()),
		)
	}
	return fp.Sum()
}

// FingerprintMap hashes a string map independent of iteration order.
func FingerprintMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fp := NewFingerprinter()
	for _, key := range keys {
		fp.Tuple(key, m[key])
	}
	return fp.Sum()
}
