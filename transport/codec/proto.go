package codec

import (
	"encoding/base64"
	"errors"

	"github.com/rbaliyan/eventflow/transport/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using protobuf well-known types. The message is
// encoded as a structpb.Struct, so no schema compilation is needed and the
// wire form stays readable by any protobuf tooling.
//
// The payload travels base64-encoded inside a string field; MsgPack is the
// better choice when payload size matters, Proto when the surrounding
// infrastructure already speaks protobuf.
type Proto struct{}

const (
	protoFieldID         = "id"
	protoFieldSource     = "source"
	protoFieldPayload    = "payload"
	protoFieldMetadata   = "metadata"
	protoFieldRetryCount = "retry_count"
)

// Encode serializes a message to protobuf bytes.
func (Proto) Encode(msg Message) ([]byte, error) {
	fields := map[string]any{
		protoFieldID:         msg.ID(),
		protoFieldSource:     msg.Source(),
		protoFieldPayload:    base64.StdEncoding.EncodeToString(msg.Payload()),
		protoFieldRetryCount: float64(msg.RetryCount()),
	}
	if md := msg.Metadata(); len(md) > 0 {
		m := make(map[string]any, len(md))
		for k, v := range md {
			m[k] = v
		}
		fields[protoFieldMetadata] = m
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	data, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes protobuf bytes to a message.
func (Proto) Decode(data []byte) (Message, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	m := st.AsMap()

	id, _ := m[protoFieldID].(string)
	source, _ := m[protoFieldSource].(string)

	var payload []byte
	if enc, ok := m[protoFieldPayload].(string); ok && enc != "" {
		decoded, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, errors.Join(ErrDecodeFailure, err)
		}
		payload = decoded
	}

	var metadata map[string]string
	if md, ok := m[protoFieldMetadata].(map[string]any); ok {
		metadata = make(map[string]string, len(md))
		for k, v := range md {
			if s, ok := v.(string); ok {
				metadata[k] = s
			}
		}
	}

	retryCount := 0
	if rc, ok := m[protoFieldRetryCount].(float64); ok {
		retryCount = int(rc)
	}

	return message.NewWithAck(id, source, payload, metadata, retryCount, nil), nil
}

// ContentType returns "application/x-protobuf".
func (Proto) ContentType() string { return "application/x-protobuf" }

// Name returns "proto".
func (Proto) Name() string { return "proto" }

var _ Codec = Proto{}
