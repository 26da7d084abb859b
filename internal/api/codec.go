package api

import (
	"encoding/json"
	"io"

	"connectrpc.com/connect"
	"github.com/klauspost/compress/gzip"
)

const (
	codecName       = "json"
	compressionName = "gzip"
	compressMinSize = 1024
)

// jsonCodec marshals the plain Go messages of this package
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func newDecompressor() connect.Decompressor { return &gzip.Reader{} }

func newCompressor() connect.Compressor { return gzip.NewWriter(io.Discard) }

func handlerOptions(opts []connect.HandlerOption) []connect.HandlerOption {
	return append([]connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithCompression(compressionName, newDecompressor, newCompressor),
		connect.WithCompressMinBytes(compressMinSize),
	}, opts...)
}

func clientOptions(opts []connect.ClientOption) []connect.ClientOption {
	return append([]connect.ClientOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithAcceptCompression(compressionName, newDecompressor, newCompressor),
		connect.WithSendCompression(compressionName),
		connect.WithCompressMinBytes(compressMinSize),
	}, opts...)
}
