// Package bgzf implements the BGZF (Blocked GZip Format) framing codec: a
// concatenation of self-delimiting gzip-compatible deflate blocks, each
// carrying at most 64KB of uncompressed payload, terminated by a
// distinguished empty block. BGZF is the framing used by .bam files and by
// tabix-indexed text formats such as block-compressed GFF3/VCF.
//
// For more information about the BGZF format, see the SAM/BAM spec here:
// https://samtools.github.io/hts-specs/SAMv1.pdf
//
// Example use:
//   var out bytes.Buffer
//   w := NewWriter(&out)
//   _, err := w.Write([]byte("Foo bar"))
//   _, err = w.Finish()
package bgzf

import (
	"bytes"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/flate"
	"v.io/x/lib/vlog"
)

const (
	// MaxUncompressedSize is the largest number of uncompressed payload
	// bytes permitted in a single BGZF block. Fixed by the BGZF format;
	// this codec does not make it configurable.
	MaxUncompressedSize = 0xff00 // 65280

	// maxBlockSize is the largest legal size, in bytes, of an entire BGZF
	// block (header + compressed payload + footer).
	maxBlockSize = 0x10000 // 65536

	// headerSize is the length of the fixed BGZF gzip header, including
	// the one BC extra subfield.
	headerSize = 18

	// footerSize is the length of the CRC32+ISIZE gzip footer.
	footerSize = 8
)

// headerTemplate is the fixed 18-byte BGZF block header. Bytes 16-17 (the
// BSIZE placeholder) are overwritten per block with (total block length -
// 1), little-endian.
var headerTemplate = [headerSize]byte{
	0x1f, 0x8b, 0x08, 0x04, // magic, CM=deflate, FLG=FEXTRA
	0x00, 0x00, 0x00, 0x00, // MTIME
	0x00, 0xff, // XFL, OS=255 (unknown)
	0x06, 0x00, // XLEN=6
	'B', 'C', 0x02, 0x00, // BC subfield id + length
	0x00, 0x00, // BSIZE placeholder
}

// EOFMarker is the canonical 28-byte BGZF end-of-file block: a valid gzip
// member whose deflate stream encodes zero bytes.
var EOFMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff,
	0x06, 0x00, 0x42, 0x43, 0x02, 0x00, 0x1b, 0x00, 0x03, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Writer frames arbitrary-length writes into BGZF blocks. The zero value is
// not usable; construct with NewWriter.
type Writer struct {
	w        io.Writer
	staging  bytes.Buffer // accumulated, not-yet-flushed payload bytes
	deflated bytes.Buffer // scratch buffer for one block's compressed form
	deflater *flate.Writer
	coffset  uint64 // compressed bytes written to w so far
}

// NewWriter returns a Writer that frames its input into BGZF blocks and
// writes them to w.
func NewWriter(w io.Writer) *Writer {
	bw := &Writer{w: w}
	bw.deflater, _ = flate.NewWriter(&bw.deflated, flate.DefaultCompression)
	return bw
}

// Write implements io.Writer. It never returns a short write without an
// error.
func (w *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		space := MaxUncompressedSize - w.staging.Len()
		take := len(p)
		if take > space {
			take = space
		}
		n, _ := w.staging.Write(p[:take])
		written += n
		p = p[take:]
		if w.staging.Len() >= MaxUncompressedSize {
			if err := w.flushBlock(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// VirtualOffset returns the BGZF virtual offset of the next byte that will
// be written. It is valid only between flushed blocks, i.e. immediately
// after construction or immediately after a Write call that did not leave a
// partial block staged.
func (w *Writer) VirtualOffset() uint64 {
	return w.coffset<<16 | uint64(w.staging.Len())
}

// CloseWithoutEOF flushes any staged partial block but does not append the
// BGZF EOF marker. Used when concatenating independently-written shards,
// where only the final shard should carry the terminator.
func (w *Writer) CloseWithoutEOF() error {
	return w.flushBlock()
}

// Finish flushes any remaining staged bytes, appends the BGZF EOF marker,
// and returns the underlying writer. The Writer must not be used again
// afterwards.
func (w *Writer) Finish() (io.Writer, error) {
	if err := w.CloseWithoutEOF(); err != nil {
		return nil, err
	}
	if _, err := w.w.Write(EOFMarker); err != nil {
		return nil, errors.E(err, "bgzf: writing EOF marker")
	}
	w.coffset += uint64(len(EOFMarker))
	return w.w, nil
}

// flushBlock compresses and emits w.staging as a single BGZF block, falling
// back to an uncompressed (stored) deflate block if the compressed form
// would not fit a 16-bit BSIZE. It is a no-op when staging is empty.
func (w *Writer) flushBlock() error {
	if w.staging.Len() == 0 {
		return nil
	}
	payload := w.staging.Bytes()

	w.deflated.Reset()
	w.deflater.Reset(&w.deflated)
	if _, err := w.deflater.Write(payload); err != nil {
		return errors.E(err, "bgzf: deflating block")
	}
	if err := w.deflater.Close(); err != nil {
		return errors.E(err, "bgzf: closing deflate stream")
	}

	data := w.deflated.Bytes()
	if headerSize+len(data)+footerSize > maxBlockSize {
		data = storedBlock(payload)
		if headerSize+len(data)+footerSize > maxBlockSize {
			// Unreachable: a stored block of at most MaxUncompressedSize
			// bytes plus its 5-byte stored-block prefix always fits
			// within headerSize+MaxUncompressedSize+5+footerSize <=
			// maxBlockSize. Treated as a fatal assertion per spec.
			vlog.Fatalf("bgzf: stored block of %d bytes still exceeds the 64KiB block limit", len(payload))
		}
	}

	total := headerSize + len(data) + footerSize
	bsize := uint16(total - 1)

	block := make([]byte, 0, total)
	block = append(block, headerTemplate[:]...)
	block[16] = byte(bsize)
	block[17] = byte(bsize >> 8)
	block = append(block, data...)

	crc := crc32.ChecksumIEEE(payload)
	isize := uint32(len(payload))
	block = append(block,
		byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24),
		byte(isize), byte(isize>>8), byte(isize>>16), byte(isize>>24),
	)

	if _, err := w.w.Write(block); err != nil {
		return errors.E(err, "bgzf: writing block")
	}
	w.coffset += uint64(len(block))
	w.staging.Reset()
	return nil
}

// storedBlock returns payload wrapped as a single RFC 1951 stored
// (non-compressed) deflate block: BFINAL=1/BTYPE=00, little-endian length,
// its one's complement, then the literal bytes. Used only when the
// deflated form of a block would not fit in a 16-bit BSIZE.
func storedBlock(payload []byte) []byte {
	length := uint16(len(payload))
	out := make([]byte, 0, 5+len(payload))
	out = append(out, 0x01)
	out = append(out, byte(length), byte(length>>8))
	notLength := ^length
	out = append(out, byte(notLength), byte(notLength>>8))
	out = append(out, payload...)
	return out
}
