// Package fasta builds the samtools-compatible `.fai`/`.gzi` index pair for
// a BGZF-compressed FASTA file.
//
// See http://www.htslib.org/doc/faidx.html for the FASTA record format this
// package walks: named sequences, optionally wrapped across multiple lines.
package fasta

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/refidx/encoding/bgzf"
)

// GenerateIndex walks a BGZF-compressed FASTA stream with r, writing the
// `.fai` text index to faiOut and the `.gzi` block-offset index to gziOut.
//
// r must be positioned at the start of the BGZF stream; GenerateIndex reads
// it to completion.
func GenerateIndex(faiOut, gziOut io.Writer, r *bgzf.Reader) (err error) {
	var (
		tsvOut    = tsv.NewWriter(faiOut)
		name      string
		haveSeq   bool
		seqOffset uint64
		seqLen    uint64
		lineBlen  int
		lineLen   int
		firstLine bool
		lineBuf   []byte
	)

	setErr := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	flush := func() {
		if !haveSeq {
			return
		}
		tsvOut.WriteString(name)
		tsvOut.WriteInt64(int64(seqLen))
		tsvOut.WriteInt64(int64(seqOffset))
		tsvOut.WriteInt64(int64(lineBlen))
		tsvOut.WriteInt64(int64(lineLen))
		setErr(tsvOut.EndLine())
	}

	for err == nil {
		lineBuf = lineBuf[:0]
		var atEOF bool
		var e error
		lineBuf, _, e = r.ReadLine(lineBuf)
		if e != nil && e != io.EOF {
			setErr(errors.E(e, "fasta: reading BGZF stream"))
			break
		}
		atEOF = e == io.EOF

		switch {
		case len(lineBuf) == 0:
			// Nothing to process this round.
		case lineBuf[0] == '\n' || lineBuf[0] == '\r':
			// Blank line: no state change.
		case lineBuf[0] == '>':
			flush()
			header := bytes.TrimRight(lineBuf[1:], "\r\n")
			nameEnd := bytes.IndexAny(header, " \t")
			if nameEnd < 0 {
				nameEnd = len(header)
			}
			if !utf8.Valid(header[:nameEnd]) {
				setErr(errors.E("fasta: non-UTF-8 sequence name"))
			}
			name = string(header[:nameEnd])
			haveSeq = true
			seqLen = 0
			lineBlen = 0
			lineLen = 0
			seqOffset = r.VirtualOffset()
			firstLine = true
		default:
			baseCount := countGraphic(lineBuf)
			if firstLine {
				lineBlen = len(lineBuf)
				lineLen = baseCount
				firstLine = false
			}
			seqLen += uint64(baseCount)
		}

		if atEOF {
			flush()
			break
		}
	}
	if err != nil {
		return err
	}
	if e := tsvOut.Flush(); e != nil {
		return errors.E(e, "fasta: flushing .fai output")
	}
	if !haveSeq {
		return errors.E("fasta: empty FASTA file")
	}

	return writeGZI(gziOut, r.GZIEntries())
}

// countGraphic returns the number of bytes in line satisfying ASCII
// "graphic" (printable, non-space), i.e. the base count of a FASTA data
// line excluding its trailing newline(s).
func countGraphic(line []byte) int {
	n := 0
	for _, b := range line {
		if b > ' ' && b < 0x7f {
			n++
		}
	}
	return n
}

// writeGZI writes the binary .gzi index: a little-endian uint64 block
// count, followed by that many (compressed_offset, uncompressed_offset)
// little-endian uint64 pairs.
func writeGZI(w io.Writer, entries []bgzf.GZIEntry) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(entries)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.E(err, "fasta: writing .gzi block count")
	}
	var rec [16]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(rec[0:8], e.CompressedOffset)
		binary.LittleEndian.PutUint64(rec[8:16], e.UncompressedOffset)
		if _, err := w.Write(rec[:]); err != nil {
			return errors.E(err, "fasta: writing .gzi entry")
		}
	}
	return nil
}
