package content

// Raw passes bytes through. Decoded bodies are copied out of the
// connection buffers.
type Raw struct {
	mime string
}

// NewRaw returns a raw codec announcing mime, which can be empty.
func NewRaw(mime string) Raw {
	return Raw{mime: mime}
}

// Text is a raw codec for UTF-8 text bodies.
func Text() Raw {
	return Raw{mime: MimeText}
}

func (c Raw) ContentType() string {
	return c.mime
}

func (c Raw) Marshal(v []byte) ([]byte, error) {
	return v, nil
}

func (c Raw) Unmarshal(buf []byte) ([]byte, error) {
	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned, nil
}
