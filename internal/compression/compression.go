package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"

	"github.com/BetaCatPro/ws-beacon/internal/errors"
)

// 压缩算法名称
const (
	None   = "none"
	Gzip   = "gzip"
	Snappy = "snappy"
)

// Compressor 压缩器接口
type Compressor interface {
	Name() string
	Compress([]byte) ([]byte, error)   // 压缩数据
	Decompress([]byte) ([]byte, error) // 解压缩数据
}

// NoneCompressor 不压缩
type NoneCompressor struct{}

func (NoneCompressor) Name() string { return None }

func (NoneCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (NoneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// GzipCompressor Gzip压缩实现
type GzipCompressor struct{}

func (GzipCompressor) Name() string { return Gzip }

// Compress 使用Gzip压缩数据
func (GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrCompressionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrCompressionFailed, err)
	}
	return buf.Bytes(), nil
}

// Decompress 使用Gzip解压缩数据
func (GzipCompressor) Decompress(data []byte) ([]byte, error) {
	// 检查gzip魔数（1F 8B）
	if len(data) < 2 || data[0] != 0x1F || data[1] != 0x8B {
		return nil, fmt.Errorf("%w: invalid gzip header", errors.ErrDecompressionFailed)
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
	}
	return out, nil
}

// SnappyCompressor Snappy压缩实现
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string { return Snappy }

// Compress 使用Snappy压缩数据
func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress 使用Snappy解压缩数据
func (SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", errors.ErrDecompressionFailed)
	}

	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
	}
	return decoded, nil
}

// Get 根据名称获取压缩器，空名称按不压缩处理
func Get(name string) (Compressor, error) {
	switch name {
	case "", None:
		return NoneCompressor{}, nil
	case Gzip:
		return GzipCompressor{}, nil
	case Snappy:
		return SnappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", errors.ErrInvalidConfig, name)
	}
}
