package decompress

import (
	"bufio"
	"compress/flate"
	"encoding/binary"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz/lzma"
)

const (
	gzipID1     = 0x1f
	gzipID2     = 0x8b
	gzipDeflate = 8

	gzipFlagHCRC    = 1 << 1
	gzipFlagExtra   = 1 << 2
	gzipFlagName    = 1 << 3
	gzipFlagComment = 1 << 4
)

// openReader builds the decoding reader for one layer. The gzip and
// deflate family sniff their first bytes, so a body labelled gzip that is
// really zlib or raw deflate (and the other way round) still decodes.
func openReader(enc Encoding, br *bufio.Reader, opts Options) (io.Reader, error) {
	switch enc {
	case EncodingGzip, EncodingDeflate:
		head, err := br.Peek(2)
		if err != nil && len(head) == 0 {
			return nil, errors.Wrap(err, "read stream header")
		}
		switch {
		case len(head) == 2 && head[0] == gzipID1 && head[1] == gzipID2:
			if err := skipGzipHeader(br); err != nil {
				return nil, err
			}
		case len(head) == 2 && isZlibHeader(head[0], head[1]):
			if _, err := br.Discard(2); err != nil {
				return nil, errors.Wrap(err, "skip zlib header")
			}
		}
		return flate.NewReader(br), nil
	case EncodingBrotli:
		return brotli.NewReader(br), nil
	case EncodingLZMA:
		if opts.LZMAMemLimit <= 0 {
			return nil, ErrUnsupported
		}
		head, err := br.Peek(lzma.HeaderLen)
		if err != nil {
			return nil, errors.Wrap(err, "read lzma header")
		}
		if dict := binary.LittleEndian.Uint32(head[1:5]); int64(dict) > int64(opts.LZMAMemLimit) {
			return nil, ErrMemLimit
		}
		r, err := lzma.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "open lzma stream")
		}
		return r, nil
	}
	return nil, ErrUnsupported
}

// isZlibHeader reports whether two bytes form a zlib header using the
// deflate method without a preset dictionary.
func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && cmf>>4 <= 7 && (uint16(cmf)<<8|uint16(flg))%31 == 0 && flg&0x20 == 0
}

// skipGzipHeader consumes a gzip member header. Header CRC, reserved
// flags and the trailer are not checked, matching what browsers accept.
func skipGzipHeader(br *bufio.Reader) error {
	var hdr [10]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return errors.Wrap(err, "read gzip header")
	}
	if hdr[2] != gzipDeflate {
		return errors.Errorf("gzip: unknown compression method %d", hdr[2])
	}
	flags := hdr[3]
	if flags&gzipFlagExtra != 0 {
		var n [2]byte
		if _, err := io.ReadFull(br, n[:]); err != nil {
			return errors.Wrap(err, "read gzip extra length")
		}
		if _, err := br.Discard(int(binary.LittleEndian.Uint16(n[:]))); err != nil {
			return errors.Wrap(err, "skip gzip extra")
		}
	}
	for _, f := range []byte{gzipFlagName, gzipFlagComment} {
		if flags&f == 0 {
			continue
		}
		if _, err := br.ReadBytes(0); err != nil {
			return errors.Wrap(err, "skip gzip string field")
		}
	}
	if flags&gzipFlagHCRC != 0 {
		if _, err := br.Discard(2); err != nil {
			return errors.Wrap(err, "skip gzip header crc")
		}
	}
	return nil
}
