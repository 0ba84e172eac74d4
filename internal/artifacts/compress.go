package artifacts

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressedExt is appended to keys of zstd-compressed artifacts.
const CompressedExt = ".zst"

const compressionLevel = 3

// CompressStream zstd-compresses src into dst.
func CompressStream(dst io.Writer, src io.Reader) (int64, error) {
	encoder, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return 0, fmt.Errorf("artifacts: stream encoder: %w", err)
	}
	defer func() { _ = encoder.Close() }()

	written, err := io.Copy(encoder, src)
	if err != nil {
		return written, fmt.Errorf("artifacts: compress: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return written, fmt.Errorf("artifacts: close encoder: %w", err)
	}
	return written, nil
}

// DecompressStream reverses CompressStream.
func DecompressStream(dst io.Writer, src io.Reader) (int64, error) {
	decoder, err := zstd.NewReader(src, zstd.WithDecoderMaxMemory(256*1024*1024))
	if err != nil {
		return 0, fmt.Errorf("artifacts: stream decoder: %w", err)
	}
	defer decoder.Close()

	written, err := io.Copy(dst, decoder)
	if err != nil {
		return written, fmt.Errorf("artifacts: decompress: %w", err)
	}
	return written, nil
}
