package content

import (
	"google.golang.org/protobuf/proto"
)

// Proto encodes bodies using the protobuf binary wire format.
type Proto[Msg proto.Message] struct{}

func (Proto[Msg]) ContentType() string {
	return MimeProtobuf
}

func (Proto[Msg]) Marshal(msg Msg) ([]byte, error) {
	return proto.Marshal(msg)
}

func (Proto[Msg]) Unmarshal(buf []byte) (Msg, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	err := proto.Unmarshal(buf, allocated)
	return allocated, err
}
