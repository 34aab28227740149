// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package preimage

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the codec used for a .dat file. The numeric
// values are stored in sidecars; do not renumber.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression accepts "none", "lz4", or "zstd".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd", "":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

func (c Compression) MarshalText() ([]byte, error) {
	switch c {
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return []byte(c.String()), nil
	}
	return nil, fmt.Errorf("invalid compression %d", uint8(c))
}

func (c *Compression) UnmarshalText(text []byte) error {
	parsed, err := ParseCompression(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// compressTo streams src into dst through the codec.
func compressTo(dst io.Writer, src io.Reader, c Compression) error {
	switch c {
	case CompressionNone:
		_, err := io.Copy(dst, src)
		return err

	case CompressionLZ4:
		writer := lz4.NewWriter(dst)
		if _, err := io.Copy(writer, src); err != nil {
			writer.Close()
			return fmt.Errorf("lz4 compress: %w", err)
		}
		return writer.Close()

	case CompressionZstd:
		writer, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("zstd encoder: %w", err)
		}
		if _, err := io.Copy(writer, src); err != nil {
			writer.Close()
			return fmt.Errorf("zstd compress: %w", err)
		}
		return writer.Close()

	default:
		return fmt.Errorf("unsupported compression %d", uint8(c))
	}
}

// decompressTo streams src, encoded with c, into dst.
func decompressTo(dst io.Writer, src io.Reader, c Compression) error {
	switch c {
	case CompressionNone:
		_, err := io.Copy(dst, src)
		return err

	case CompressionLZ4:
		if _, err := io.Copy(dst, lz4.NewReader(src)); err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		return nil

	case CompressionZstd:
		reader, err := zstd.NewReader(src)
		if err != nil {
			return fmt.Errorf("zstd decoder: %w", err)
		}
		defer reader.Close()
		if _, err := io.Copy(dst, reader); err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported compression %d", uint8(c))
	}
}
