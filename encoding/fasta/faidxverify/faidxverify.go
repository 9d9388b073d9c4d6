// Package faidxverify is a test-only oracle that parses a `.fai` text index
// and reconstructs a named sequence's bases from the BGZF-compressed FASTA
// it was generated from, to confirm a GenerateIndex run round-trips.
//
// This is not part of the production pipeline: nothing here is exported to
// or called from cmd/bio-refidx. It exists solely so tests can check the
// "FAI reconstruction" property without hand-decoding virtual offsets.
package faidxverify

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/refidx/encoding/bgzf"
)

// Record is one parsed `.fai` line.
type Record struct {
	Name      string
	SeqLen    uint64
	SeqOffset uint64 // BGZF virtual offset of the first base
	LineBlen  int64
	LineLen   int64
}

// ParseIndex parses a `.fai` text index into a name-keyed map.
func ParseIndex(fai []byte) (map[string]Record, error) {
	recs := make(map[string]Record)
	scanner := bufio.NewScanner(strings.NewReader(string(fai)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			return nil, fmt.Errorf("faidxverify: malformed .fai line: %q", line)
		}
		seqLen, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("faidxverify: bad seq_len: %v", err)
		}
		seqOffset, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("faidxverify: bad seq_offset: %v", err)
		}
		lineBlen, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("faidxverify: bad line_blen: %v", err)
		}
		lineLen, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("faidxverify: bad line_len: %v", err)
		}
		recs[fields[0]] = Record{
			Name:      fields[0],
			SeqLen:    seqLen,
			SeqOffset: seqOffset,
			LineBlen:  lineBlen,
			LineLen:   lineLen,
		}
	}
	return recs, scanner.Err()
}

// ParseGZI parses a `.gzi` binary index into the (compressedOffset,
// uncompressedOffset) pairs it contains, in file order.
func ParseGZI(gzi []byte) ([]bgzf.GZIEntry, error) {
	if len(gzi) < 8 {
		return nil, fmt.Errorf("faidxverify: .gzi shorter than its count header")
	}
	n := le64(gzi[0:8])
	want := 8 + 16*int(n)
	if uint64(len(gzi)) != uint64(want) {
		return nil, fmt.Errorf("faidxverify: .gzi length %d does not match header count %d", len(gzi), n)
	}
	entries := make([]bgzf.GZIEntry, n)
	for i := range entries {
		off := 8 + i*16
		entries[i] = bgzf.GZIEntry{
			CompressedOffset:   le64(gzi[off : off+8]),
			UncompressedOffset: le64(gzi[off+8 : off+16]),
		}
	}
	return entries, nil
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// BlockStartOffset converts a BGZF compressed block address to the
// cumulative uncompressed byte offset at the start of that block, using the
// accumulated GZI entries (plus the implicit (0,0) first block).
func BlockStartOffset(entries []bgzf.GZIEntry, blockAddr uint64) (uint64, bool) {
	if blockAddr == 0 {
		return 0, true
	}
	for _, e := range entries {
		if e.CompressedOffset == blockAddr {
			return e.UncompressedOffset, true
		}
	}
	return 0, false
}

// Reconstruct reconstructs rec's sequence (with line wrapping removed) from
// plain, the fully decompressed FASTA bytes, using gzi to translate rec's
// virtual seq_offset into a flat byte offset into plain.
func Reconstruct(plain []byte, gzi []bgzf.GZIEntry, rec Record) (string, error) {
	blockAddr := rec.SeqOffset >> 16
	dataOffset := rec.SeqOffset & 0xffff
	blockStart, ok := BlockStartOffset(gzi, blockAddr)
	if !ok {
		return "", fmt.Errorf("faidxverify: no GZI entry for block address %d", blockAddr)
	}
	flatStart := blockStart + dataOffset
	if flatStart > uint64(len(plain)) {
		return "", fmt.Errorf("faidxverify: seq_offset %d past end of decompressed stream", rec.SeqOffset)
	}

	var sb strings.Builder
	for i := flatStart; i < uint64(len(plain)) && uint64(sb.Len()) < rec.SeqLen; i++ {
		b := plain[i]
		if b > ' ' && b < 0x7f {
			sb.WriteByte(b)
		}
	}
	if uint64(sb.Len()) != rec.SeqLen {
		return "", fmt.Errorf("faidxverify: reconstructed %d bases, .fai says %d", sb.Len(), rec.SeqLen)
	}
	return sb.String(), nil
}
