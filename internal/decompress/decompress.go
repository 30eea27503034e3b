// Package decompress decodes compressed layer blobs for display and export.
// It never changes what is fetched: the stream handed in is the verified
// registry body, and decoding happens on top of it.
package decompress

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format is a compression format.
type Format string

const (
	// None is uncompressed content.
	None Format = "none"
	// Gzip is RFC 1952 gzip.
	Gzip Format = "gzip"
	// Zstd is Zstandard.
	Zstd Format = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// FromMediaType infers the format from a layer media type, e.g.
// application/vnd.oci.image.layer.v1.tar+gzip or
// application/vnd.docker.image.rootfs.diff.tar.gzip. It returns "" when the
// media type says nothing about compression.
func FromMediaType(mediaType string) Format {
	switch {
	case mediaType == "":
		return ""
	case strings.HasSuffix(mediaType, "+gzip"), strings.HasSuffix(mediaType, ".gzip"):
		return Gzip
	case strings.HasSuffix(mediaType, "+zstd"), strings.HasSuffix(mediaType, ".zstd"):
		return Zstd
	case strings.HasSuffix(mediaType, ".tar"), strings.HasSuffix(mediaType, "+json"):
		return None
	default:
		return ""
	}
}

// Detect peeks at the stream's magic bytes without consuming them.
func Detect(br *bufio.Reader) Format {
	head, _ := br.Peek(len(zstdMagic))
	switch {
	case hasPrefix(head, gzipMagic):
		return Gzip
	case hasPrefix(head, zstdMagic):
		return Zstd
	default:
		return None
	}
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// NewReader returns a reader over the decoded content of r. The format comes
// from mediaType when it names one, else from the magic bytes. Closing the
// returned reader releases the decoder but not r.
func NewReader(r io.Reader, mediaType string) (io.ReadCloser, Format, error) {
	br := bufio.NewReader(r)
	format := FromMediaType(mediaType)
	if format == "" {
		format = Detect(br)
	}

	switch format {
	case Gzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, format, nil
	case Zstd:
		decoder, err := zstd.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("open zstd stream: %w", err)
		}
		return decoder.IOReadCloser(), format, nil
	default:
		return io.NopCloser(br), None, nil
	}
}
