//go:build !nozstd

package backup

import (
	"io"

	"github.com/DataDog/zstd"
)

func zstdNewReader(r io.Reader) (Decompressor, error) { return zstd.NewReader(r), nil }

func zstdNewWriter(w io.Writer) (Compressor, error) { return zstd.NewWriter(w), nil }
