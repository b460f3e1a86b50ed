// Package checksum implements component C: computing a file's content MD5
// while accounting for Perforce's size-suffix flavor quirks.
package checksum

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"

	"github.com/o4sync/o4/pkg/fstat"
)

// chunkSize is the streaming read size used for plain (non-flavored)
// checksums, streaming MD5 over 1 MiB chunks.
const chunkSize = 1 << 20

// utf8BOM is the three-byte UTF-8 byte order mark.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Checksum computes the checksum of the file at path for the given
// declared size and flavor. It returns ("", nil) if the file is missing
// or is a directory.
func Checksum(path string, size int64, flavor fstat.Flavor) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "unable to stat %s", path)
	}
	if info.IsDir() {
		return "", nil
	}

	switch flavor {
	case fstat.FlavorSymlink:
		// Symlinks are skipped (treated by callers as always-matching).
		return "", nil
	case fstat.FlavorUTF16:
		return checksumUTF16(path)
	case fstat.FlavorUTF8:
		return checksumUTF8(path, size, info.Size())
	default:
		return checksumPlain(path)
	}
}

func checksumPlain(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "unable to open %s", path)
	}
	defer f.Close()

	h := md5.New()
	buffer := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buffer); err != nil {
		return "", errors.Wrapf(err, "unable to read %s", path)
	}
	return sumToHex(h.Sum(nil)), nil
}

// checksumUTF8 hashes the file contents after optionally skipping a leading
// UTF-8 byte order mark. Per spec, the BOM is only peeked at (and skipped)
// when the on-disk size exceeds the declared size, since a BOM is exactly
// 3 bytes and wouldn't have been present in the original declared size.
func checksumUTF8(path string, declaredSize, actualSize int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "unable to open %s", path)
	}
	defer f.Close()

	if actualSize > declaredSize {
		peek := make([]byte, 3)
		n, _ := io.ReadFull(f, peek)
		if n < 3 || !bytes.Equal(peek[:n], utf8BOM) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return "", errors.Wrapf(err, "unable to rewind %s", path)
			}
		}
	}

	h := md5.New()
	buffer := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buffer); err != nil {
		return "", errors.Wrapf(err, "unable to read %s", path)
	}
	return sumToHex(h.Sum(nil)), nil
}

// checksumUTF16 reads the entire file, decodes it as UTF-16, re-encodes as
// UTF-8, and hashes the result. Perforce stores UTF-16 files with a BOM
// that determines endianness; golang.org/x/text/encoding/unicode's BOM-
// sniffing decoder handles that detection for us.
func checksumUTF16(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "unable to read %s", path)
	}

	decoder := unicode.BOMOverride(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder())
	utf8Bytes, err := decoder.Bytes(raw)
	if err != nil {
		return "", errors.Wrapf(err, "unable to decode %s as utf16", path)
	}

	sum := md5.Sum(utf8Bytes)
	return sumToHex(sum[:]), nil
}

func sumToHex(sum []byte) string {
	return strings.ToUpper(hex.EncodeToString(sum))
}
