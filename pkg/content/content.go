// Package content holds the body codecs a procedure can plug in its
// request and response schemas.
package content

// Codec serializes a body of type T. An empty `ContentType` means no
// `Content-Type` header is emitted.
type Codec[T any] interface {
	ContentType() string
	Marshal(v T) ([]byte, error)
	Unmarshal(buf []byte) (T, error)
}

const (
	MimeJSON        = "application/json"
	MimeProblemJSON = "application/problem+json"
	MimeProtobuf    = "application/protobuf"
	MimeText        = "text/plain; charset=utf-8"
)
