package registry

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

type domainKey [32]byte

// Domain keys keep directory and endpoint keys from ever colliding.
var (
	directoryDomainKey = domainKey{
		'p', 'o', 'r', 't', 'a', 'l', '.', 'm', 'o', 'd', 'e', 'l', '.',
		'd', 'i', 'r', 'e', 'c', 't', 'o', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	endpointDomainKey = domainKey{
		'p', 'o', 'r', 't', 'a', 'l', '.', 'm', 'o', 'd', 'e', 'l', '.',
		'e', 'n', 'd', 'p', 'o', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func newHasher(key domainKey) *blake3.Hasher {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// Only fails for keys that are not 32 bytes.
		panic(err)
	}
	return h
}

// HashDirectory derives the key of a file-backed model from the contents of
// dir and the directory path itself. Files are visited in lexical order so
// the key is stable across calls.
func HashDirectory(dir string) (string, error) {
	content := newHasher(directoryDomainKey)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		_, _ = io.WriteString(content, filepath.ToSlash(rel))
		_, _ = content.Write([]byte{0})

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(content, f); err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}
		_, _ = content.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", err
	}

	outer := newHasher(directoryDomainKey)
	_, _ = outer.Write(content.Sum(nil))
	_, _ = io.WriteString(outer, dir)
	return hex.EncodeToString(outer.Sum(nil)[:16]), nil
}

// EndpointKey derives the key of an endpoint model from its registration
// fields.
func EndpointKey(name, description, link, secret string) string {
	h := newHasher(endpointDomainKey)
	_, _ = io.WriteString(h, "endpoint"+name+description+link+secret)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
