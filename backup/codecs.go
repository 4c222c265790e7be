package backup

import (
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Codec names the compression of archive content.
type Codec string

const (
	None   Codec = "none"
	Gzip   Codec = "gzip"
	Snappy Codec = "snappy"
	Zstd   Codec = "zstd"
)

// Validate returns an error if the Codec is unknown.
func (c Codec) Validate() error {
	switch c {
	case None, Gzip, Snappy, Zstd:
		return nil
	}
	return errors.Errorf("unsupported codec %q", string(c))
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, flushing final content to the underlying Writer, but does not
// Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with the Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstd:
		return zstdNewReader(r)
	}
	return nil, codec.Validate()
}

// NewCodecWriter returns a Compressor wrapping the Writer, encoding with the Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstd:
		return zstdNewWriter(w)
	}
	return nil, codec.Validate()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
