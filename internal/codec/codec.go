// Package codec 负责 HTTP 消息体按 Content-Encoding 的压缩与解压
package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
)

// Decode 按编码解压数据，解压失败时返回错误并由调用方决定是否保留原始数据
func Decode(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return data, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return data, fmt.Errorf("gzip: %w", err)
		}
		return out, nil
	case "deflate":
		// zlib 封装优先，裸 deflate 流兜底
		if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer r.Close()
			if out, err := io.ReadAll(r); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return data, fmt.Errorf("deflate: %w", err)
		}
		return out, nil
	default:
		return data, fmt.Errorf("unknown content encoding: %s", encoding)
	}
}

// Encode 按编码压缩数据
func Encode(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return data, fmt.Errorf("gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return data, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case "deflate":
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return data, fmt.Errorf("deflate: %w", err)
		}
		if err := w.Close(); err != nil {
			return data, fmt.Errorf("deflate: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return data, fmt.Errorf("unknown content encoding: %s", encoding)
	}
}
