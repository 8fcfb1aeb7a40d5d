// Package rpcutil provides a minimal grpc service binding for the
// tabletserver/master/client RPC boundaries declared as plain Go
// interfaces elsewhere in this module. Those interfaces intentionally
// carry no protobuf struct tags (spec.md §1 puts wire transport out of
// scope), so rather than introduce a protoc step this package registers
// a gob codec with grpc's own encoding registry and multiplexes every
// logical call through one generic dispatch method.
package rpcutil

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype grpc negotiates this codec under,
// set on the client side via grpc.CallContentSubtype(CodecName).
const CodecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return CodecName }
