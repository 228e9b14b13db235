package httpstream

// bodyBuffer keeps the first limit bytes of a body.
type bodyBuffer struct {
	data      []byte
	limit     int
	truncated bool
}

// Write appends as much of data as the limit allows.
func (b *bodyBuffer) Write(data []byte) {
	room := b.limit - len(b.data)
	if len(data) > room {
		data = data[:max(room, 0)]
		b.truncated = true
	}
	b.data = append(b.data, data...)
}

// Bytes returns the kept bytes.
func (b *bodyBuffer) Bytes() []byte { return b.data }

// Truncated reports whether bytes were dropped.
func (b *bodyBuffer) Truncated() bool { return b.truncated }

// bodyCapture holds both bodies of one transaction.
type bodyCapture struct {
	request  bodyBuffer
	response bodyBuffer
}

func newBodyCapture(limit int) *bodyCapture {
	return &bodyCapture{
		request:  bodyBuffer{limit: limit},
		response: bodyBuffer{limit: limit},
	}
}
