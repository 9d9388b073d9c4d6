package bgzf

import (
	"bytes"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/flate"
)

// GZIEntry is one record of a BGZF block-offset (.gzi) index: the compressed
// file offset and cumulative uncompressed offset at the start of a block.
// The implicit first block (0, 0) and the empty EOF block are never recorded.
type GZIEntry struct {
	CompressedOffset   uint64
	UncompressedOffset uint64
}

// Reader decodes a BGZF stream block by block, forward-only. It exposes the
// virtual offset of every line it reads via ReadLine, and accumulates a GZI
// block index as it goes.
type Reader struct {
	r io.Reader

	header   [headerSize]byte
	footer   [footerSize]byte
	inflated bytes.Buffer
	inflater io.ReadCloser

	blockAddr    uint64 // compressed offset of the block currently loaded
	nextBlockOff uint64 // compressed offset of the next, not-yet-read block
	uncompAddr   uint64 // cumulative uncompressed bytes before the loaded block
	block        []byte // decompressed contents of the loaded block
	pos          int    // read position within block

	gzi []GZIEntry
}

// NewReader returns a Reader over r, which must produce a well-formed BGZF
// stream (including its EOF marker).
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// VirtualOffset returns the virtual offset of the next unread byte: the
// compressed offset of the current block in the upper 48 bits, and the
// intra-block byte position in the lower 16.
func (r *Reader) VirtualOffset() uint64 {
	return r.blockAddr<<16 | uint64(r.pos)
}

// GZIEntries returns the block-offset index entries accumulated so far, one
// per non-empty block read after the first, in read order.
func (r *Reader) GZIEntries() []GZIEntry {
	return r.gzi
}

// readFull fills buf entirely from r.r, returning io.ErrUnexpectedEOF on a
// partial read and io.EOF only when zero bytes were read at all.
func (r *Reader) readFull(buf []byte) error {
	n, err := io.ReadFull(r.r, buf)
	if err == io.ErrUnexpectedEOF || (err == io.EOF && n > 0) {
		return errors.E(io.ErrUnexpectedEOF, "bgzf: truncated block")
	}
	return err
}

// readBlock reads, validates, and decompresses the next BGZF block from the
// underlying stream, refreshing r.block/r.pos/r.blockAddr accordingly. It
// returns false on clean EOF (the underlying reader is exhausted with no
// bytes at all consumed for this call).
func (r *Reader) readBlock() (bool, error) {
	caddrBefore := r.nextBlockOff
	uaddrBefore := r.uncompAddr

	n, err := io.ReadFull(r.r, r.header[:1])
	if err == io.EOF && n == 0 {
		return false, nil
	}
	if err != nil {
		return false, errors.E(err, "bgzf: reading block header")
	}
	if err := r.readFull(r.header[1:]); err != nil {
		return false, err
	}
	if r.header[0] != 0x1f || r.header[1] != 0x8b {
		return false, errors.E("bgzf: not a gzip stream")
	}
	if r.header[2] != 0x08 {
		return false, errors.E("bgzf: unsupported gzip compression method")
	}

	bsize := int(r.header[16]) | int(r.header[17])<<8
	total := bsize + 1
	deflateLen := total - headerSize - footerSize
	if deflateLen < 0 {
		return false, errors.E("bgzf: block shorter than header+footer")
	}

	deflateData := make([]byte, deflateLen)
	if err := r.readFull(deflateData); err != nil {
		return false, err
	}
	if err := r.readFull(r.footer[:]); err != nil {
		return false, err
	}
	expectedCRC := uint32(r.footer[0]) | uint32(r.footer[1])<<8 | uint32(r.footer[2])<<16 | uint32(r.footer[3])<<24
	expectedISize := uint32(r.footer[4]) | uint32(r.footer[5])<<8 | uint32(r.footer[6])<<16 | uint32(r.footer[7])<<24

	r.inflated.Reset()
	if r.inflater == nil {
		r.inflater = flate.NewReader(bytes.NewReader(deflateData))
	} else {
		r.inflater.(flate.Resetter).Reset(bytes.NewReader(deflateData), nil)
	}
	if _, err := io.Copy(&r.inflated, r.inflater); err != nil {
		return false, errors.E(err, "bgzf: inflating block")
	}

	if uint32(r.inflated.Len()) != expectedISize {
		return false, errors.E("bgzf: block isize mismatch")
	}
	if crc32.ChecksumIEEE(r.inflated.Bytes()) != expectedCRC {
		return false, errors.E("bgzf: block CRC32 mismatch")
	}

	r.block = r.inflated.Bytes()
	r.pos = 0
	r.blockAddr = caddrBefore
	r.nextBlockOff = caddrBefore + uint64(total)

	if len(r.block) > 0 && (caddrBefore > 0 || uaddrBefore > 0) {
		r.gzi = append(r.gzi, GZIEntry{CompressedOffset: caddrBefore, UncompressedOffset: uaddrBefore})
	}
	r.uncompAddr += uint64(len(r.block))
	return true, nil
}

// fill advances to the next block if the current one is exhausted. It
// returns false once the stream is at its EOF marker (or truly exhausted).
func (r *Reader) fill() (bool, error) {
	for r.pos >= len(r.block) {
		ok, err := r.readBlock()
		if err != nil || !ok {
			return false, err
		}
		if len(r.block) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Read implements io.Reader over the decompressed byte stream.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ok, err := r.fill()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, r.block[r.pos:])
	r.pos += n
	return n, nil
}

// ReadLine reads up to and including the next '\n', appending the bytes read
// to buf (which it returns, grown). It also returns the virtual offset of
// the first byte of the line. At EOF it returns the unchanged buf and the
// virtual offset of the (unreachable) next byte, with err == io.EOF.
func (r *Reader) ReadLine(buf []byte) ([]byte, uint64, error) {
	ok, err := r.fill()
	if err != nil {
		return buf, r.VirtualOffset(), err
	}
	if !ok {
		return buf, r.VirtualOffset(), io.EOF
	}
	voffStart := r.VirtualOffset()
	for {
		rest := r.block[r.pos:]
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			buf = append(buf, rest[:i+1]...)
			r.pos += i + 1
			return buf, voffStart, nil
		}
		buf = append(buf, rest...)
		r.pos = len(r.block)
		ok, err := r.fill()
		if err != nil {
			return buf, voffStart, err
		}
		if !ok {
			return buf, voffStart, nil
		}
	}
}
