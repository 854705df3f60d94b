// Package fileid derives stable identifiers and content fingerprints for records and source files.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

const prefix = "doc_"

// DocID returns the stable document ID for the record at offset in sourcePath.
// The same (path, offset) always yields the same ID.
func DocID(sourcePath string, offset int64) string {
	h := sha256.New()
	h.Write([]byte(filepath.Clean(sourcePath)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(offset, 10)))
	return prefix + hex.EncodeToString(h.Sum(nil))[:32]
}

// ContentHash fingerprints the given record fields. Field boundaries are
// delimited so that ("ab", "c") and ("a", "bc") hash differently.
func ContentHash(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FileHash returns the hex sha256 of the file contents at path.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
