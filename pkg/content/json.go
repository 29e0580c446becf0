package content

import (
	"github.com/goccy/go-json"
)

// JSON encodes bodies as `application/json`.
type JSON[T any] struct{}

func (JSON[T]) ContentType() string {
	return MimeJSON
}

func (JSON[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON[T]) Unmarshal(buf []byte) (T, error) {
	var v T
	err := json.Unmarshal(buf, &v)
	return v, err
}

// PrettyJSON is `JSON` with indented output, the mime type can be
// overridden, e.g. for problem details.
type PrettyJSON[T any] struct {
	Mime string
}

func (c PrettyJSON[T]) ContentType() string {
	if c.Mime == "" {
		return MimeJSON
	}
	return c.Mime
}

func (PrettyJSON[T]) Marshal(v T) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (PrettyJSON[T]) Unmarshal(buf []byte) (T, error) {
	var v T
	err := json.Unmarshal(buf, &v)
	return v, err
}
