package decompress

import (
	"bufio"
	"io"
	"iter"
	"time"

	"github.com/pkg/errors"
)

const (
	chunkSize = 8192

	// retainLimit caps the coded input kept for passthrough on failure.
	retainLimit = 1 << 20
)

var errStopped = errors.New("decompress: stopped")

// step is one event produced by a layer's decoding coroutine.
type step struct {
	data []byte // decoded output, valid until the next pull
	need bool   // the decoder is waiting for input
	eof  bool   // the coded stream ended
	err  error
}

// layer decodes one content coding. The decoder runs as a pull iterator
// whose source suspends it whenever the pushed input runs dry.
type layer struct {
	enc     Encoding
	opts    Options
	pending []byte
	closed  bool
	done    bool
	next    func() (step, bool)
	stop    func()
}

func newLayer(enc Encoding, opts Options) *layer {
	l := &layer{enc: enc, opts: opts}
	l.next, l.stop = iter.Pull(l.run)
	return l
}

func (l *layer) run(yield func(step) bool) {
	br := bufio.NewReaderSize(&source{l: l, yield: yield}, chunkSize)
	r, err := openReader(l.enc, br, l.opts)
	if err != nil {
		yield(step{err: err})
		return
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && !yield(step{data: buf[:n]}) {
			return
		}
		if err == io.EOF {
			yield(step{eof: true})
			return
		}
		if err != nil {
			yield(step{err: err})
			return
		}
	}
}

// source is the io.Reader the decoder reads from. An empty buffer
// suspends the coroutine until more input is pushed.
type source struct {
	l     *layer
	yield func(step) bool
}

func (s *source) Read(p []byte) (int, error) {
	for len(s.l.pending) == 0 {
		if s.l.closed {
			return 0, io.EOF
		}
		if !s.yield(step{need: true}) {
			return 0, errStopped
		}
	}
	n := copy(p, s.l.pending)
	s.l.pending = s.l.pending[n:]
	return n, nil
}

func (l *layer) write(data []byte, out func([]byte) error) error {
	if l.done {
		// Bytes after the end of the coded stream are ignored.
		return nil
	}
	l.pending = append(l.pending, data...)
	return l.drain(out)
}

func (l *layer) finish(out func([]byte) error) error {
	if l.done {
		return nil
	}
	l.closed = true
	err := l.drain(out)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// A truncated stream still delivered everything it could.
		return nil
	}
	return err
}

func (l *layer) drain(out func([]byte) error) error {
	for {
		s, ok := l.next()
		if !ok {
			l.done = true
			return nil
		}
		switch {
		case s.need:
			return nil
		case s.eof:
			l.close()
			return nil
		case s.err != nil:
			l.close()
			return errors.Wrapf(s.err, "decode %s", l.enc)
		}
		if err := out(s.data); err != nil {
			l.close()
			return err
		}
	}
}

func (l *layer) close() {
	l.done = true
	l.pending = nil
	l.stop()
}

// Decompressor decodes a body pushed through Write and hands the decoded
// bytes to a sink. Once decoding fails, the failure is reported once, the
// coded input that produced no output yet goes to the sink unchanged and
// so does every later byte.
type Decompressor struct {
	layers []*layer // in decoding order
	sink   func([]byte)
	opts   Options

	// held is the coded input since the write that last produced output.
	// heldFrom is where the current write starts within it.
	held     []byte
	heldFrom int

	in, out int64
	spent   time.Duration
	err     error
	closed  bool
}

// New creates a Decompressor for codings listed in the order they were
// applied (the order of the Content-Encoding header). sink receives the
// decoded data; the slice is only valid for the duration of the call.
func New(encodings []Encoding, sink func([]byte), opts Options) (*Decompressor, error) {
	if opts.LayerLimit > 0 && len(encodings) > opts.LayerLimit {
		return nil, ErrLayerLimit
	}
	d := &Decompressor{sink: sink, opts: opts}
	for i := len(encodings) - 1; i >= 0; i-- {
		enc := encodings[i]
		if enc == EncodingNone || enc == EncodingUnknown || (enc == EncodingLZMA && opts.LZMAMemLimit <= 0) {
			d.Close()
			return nil, errors.Wrapf(ErrUnsupported, "encoding %s", enc)
		}
		d.layers = append(d.layers, newLayer(enc, opts))
	}
	return d, nil
}

// Write pushes coded data. The returned error is the decoding failure, if
// this call caused one; the coded input held since the last output has
// then been passed through raw.
func (d *Decompressor) Write(data []byte) error {
	if d.closed || len(data) == 0 {
		return nil
	}
	if d.err != nil {
		d.sink(data)
		return nil
	}
	d.in += int64(len(data))
	d.hold(data)
	start := time.Now()
	err := d.writeLayer(0, data)
	return d.account(start, err)
}

func (d *Decompressor) hold(data []byte) {
	d.heldFrom = len(d.held)
	d.held = append(d.held, data...)
	if over := len(d.held) - retainLimit; over > 0 {
		d.held = append(d.held[:0], d.held[over:]...)
		d.heldFrom = max(d.heldFrom-over, 0)
	}
}

// Finish flushes the decoders at the end of the body.
func (d *Decompressor) Finish() error {
	if d.closed {
		return nil
	}
	var err error
	if d.err == nil {
		start := time.Now()
		for i, l := range d.layers {
			if err = l.finish(func(b []byte) error { return d.writeLayer(i+1, b) }); err != nil {
				break
			}
		}
		err = d.account(start, err)
	}
	d.Close()
	return err
}

// Close releases the decoders without flushing them.
func (d *Decompressor) Close() {
	d.closed = true
	d.held = nil
	for _, l := range d.layers {
		l.stop()
	}
}

// Err returns the failure that switched the Decompressor to passthrough.
func (d *Decompressor) Err() error {
	return d.err
}

// InputLen and OutputLen report the coded and decoded byte counts.
func (d *Decompressor) InputLen() int64  { return d.in }
func (d *Decompressor) OutputLen() int64 { return d.out }

func (d *Decompressor) account(start time.Time, err error) error {
	d.spent += time.Since(start)
	if err == nil && d.opts.TimeLimit > 0 && d.spent > d.opts.TimeLimit {
		err = ErrTimeLimit
	}
	if err == nil {
		return nil
	}
	d.err = err
	for _, l := range d.layers {
		l.stop()
	}
	if len(d.held) > 0 {
		d.sink(d.held)
	}
	d.held = nil
	return err
}

func (d *Decompressor) writeLayer(i int, data []byte) error {
	if i == len(d.layers) {
		return d.deliver(data)
	}
	return d.layers[i].write(data, func(b []byte) error {
		return d.writeLayer(i+1, b)
	})
}

func (d *Decompressor) deliver(data []byte) error {
	d.out += int64(len(data))
	if d.opts.BombLimit > 0 && d.out > d.opts.BombLimit && d.in > 0 && d.out/d.in > d.opts.BombRatio {
		return ErrBomb
	}
	d.sink(data)
	if d.heldFrom > 0 {
		d.held = append(d.held[:0], d.held[d.heldFrom:]...)
		d.heldFrom = 0
	}
	return nil
}
