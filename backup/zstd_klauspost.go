//go:build nozstd

package backup

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Without cgo zstd, fall back to the pure Go implementation. Its frames are
// interchangeable.

func zstdNewReader(r io.Reader) (Decompressor, error) {
	var d, err = zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

func zstdNewWriter(w io.Writer) (Compressor, error) { return zstd.NewWriter(w) }
