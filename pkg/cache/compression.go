package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/packforge/packforge/pkg/types"
)

// Compressor applies the configured compression policy to payloads at or
// above the threshold. Adaptive mode tries gzip and zstd and keeps the
// smaller result, falling back to raw bytes when neither helps.
type Compressor struct {
	mode      types.CompressionMode
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCompressor creates a compressor for mode
func NewCompressor(mode types.CompressionMode, threshold int) (*Compressor, error) {
	switch mode {
	case "":
		mode = types.CompressionAdaptive
	case types.CompressionAdaptive, types.CompressionGzip, types.CompressionZstd, types.CompressionNone:
	default:
		return nil, fmt.Errorf("unknown compression mode: %s", mode)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Compressor{
		mode:      mode,
		threshold: threshold,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Compress returns the stored form of data and the codec used
func (c *Compressor) Compress(data []byte) ([]byte, Codec, error) {
	if c.mode == types.CompressionNone || len(data) <= c.threshold {
		return data, CodecNone, nil
	}

	switch c.mode {
	case types.CompressionGzip:
		out, err := gzipBytes(data)
		return out, CodecGzip, err
	case types.CompressionZstd:
		return c.encoder.EncodeAll(data, nil), CodecZstd, nil
	}

	gz, err := gzipBytes(data)
	if err != nil {
		return nil, "", err
	}
	zs := c.encoder.EncodeAll(data, nil)

	best, codec := gz, CodecGzip
	if len(zs) < len(gz) {
		best, codec = zs, CodecZstd
	}
	if len(best) >= len(data) {
		return data, CodecNone, nil
	}
	return best, codec, nil
}

// Decompress reverses Compress for the recorded codec
func (c *Compressor) Decompress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone, "":
		return data, nil
	case CodecGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrCorruptEntry, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrCorruptEntry, err)
		}
		return out, nil
	case CodecZstd:
		out, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptEntry, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, codec)
	}
}

// Close releases the zstd encoder and decoder
func (c *Compressor) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
