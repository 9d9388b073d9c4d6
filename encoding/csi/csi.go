// Package csi builds a tabix-style coordinate-sorted index (CSI) over a
// BGZF-compressed, coordinate-sorted GFF3 stream.
//
// See http://samtools.github.io/hts-specs/CSIv1.pdf for the on-disk format
// this package emits.
package csi

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/refidx/encoding/bgzf"
	"v.io/x/lib/vlog"
)

// Chunk is a half-open span of BGZF virtual offsets covering one or more
// GFF3 records that fell in the same bin.
type Chunk struct {
	Start, End uint64
}

// Bin holds every chunk recorded for one bin number of one sequence.
type Bin struct {
	Num    uint32
	Chunks []Chunk
}

// seqIndex accumulates the per-sequence binning state while walking a
// coordinate-sorted GFF3 stream.
type seqIndex struct {
	name    string
	bins    map[uint32][]Chunk
	lidx    []uint64
	minVoff uint64
	maxVoff uint64
	nMapped uint64
}

func newSeqIndex(name string) *seqIndex {
	return &seqIndex{name: name, bins: make(map[uint32][]Chunk), minVoff: ^uint64(0)}
}

func (s *seqIndex) addChunk(bin uint32, c Chunk) {
	if c.Start < s.minVoff {
		s.minVoff = c.Start
	}
	if c.End > s.maxVoff {
		s.maxVoff = c.End
	}
	s.nMapped++
	s.bins[bin] = append(s.bins[bin], c)
}

func (s *seqIndex) updateLidx(beg, end, voff uint64) {
	if end == 0 {
		return
	}
	winBeg := int(beg >> MinShift)
	winEnd := int((end - 1) >> MinShift)
	if winEnd >= len(s.lidx) {
		grown := make([]uint64, winEnd+1)
		copy(grown, s.lidx)
		s.lidx = grown
	}
	for i := winBeg; i <= winEnd; i++ {
		if s.lidx[i] == 0 {
			s.lidx[i] = voff
		}
	}
}

// BuildIndex walks a BGZF-compressed, coordinate-sorted GFF3 stream with r
// and writes the BGZF-compressed `.csi` binary index to out.
func BuildIndex(out io.Writer, r *bgzf.Reader) error {
	var seqs []*seqIndex
	seqIdx := make(map[string]int)

	var lineBuf []byte
	for {
		lineBuf = lineBuf[:0]
		lineBuf, voffStart, e := r.ReadLine(lineBuf)
		if e != nil && e != io.EOF {
			return errors.E(e, "csi: reading BGZF stream")
		}
		atEOF := e == io.EOF

		line := bytes.TrimRight(lineBuf, "\r\n")
		if len(line) > 0 && line[0] != '#' {
			fields := bytes.SplitN(line, []byte("\t"), 6)
			if len(fields) >= 5 {
				if !utf8.Valid(fields[0]) {
					return errors.E("csi: non-UTF-8 sequence name")
				}
				seqname := string(fields[0])
				start1, perr := strconv.ParseUint(string(fields[3]), 10, 64)
				if perr != nil {
					return errors.E(perr, "csi: unparsable start coordinate")
				}
				end1, perr := strconv.ParseUint(string(fields[4]), 10, 64)
				if perr != nil {
					return errors.E(perr, "csi: unparsable end coordinate")
				}
				var beg uint64
				if start1 > 0 {
					beg = start1 - 1
				}
				end := end1

				voffEnd := r.VirtualOffset()
				bin := reg2bin(beg, end)

				id, ok := seqIdx[seqname]
				if !ok {
					id = len(seqs)
					seqs = append(seqs, newSeqIndex(seqname))
					seqIdx[seqname] = id
				}
				seqs[id].addChunk(bin, Chunk{Start: voffStart, End: voffEnd})
				seqs[id].updateLidx(beg, end, voffStart)
			}
		}

		if atEOF {
			break
		}
	}

	eofVoff := r.VirtualOffset()
	for _, s := range seqs {
		lastNonzero := -1
		for i, v := range s.lidx {
			if v != 0 {
				lastNonzero = i
			}
		}
		if lastNonzero >= 0 {
			for i := lastNonzero + 1; i < len(s.lidx); i++ {
				s.lidx[i] = eofVoff
			}
		}
	}

	for _, s := range seqs {
		compressBinning(s.bins)
		minVoff := s.minVoff
		if minVoff == ^uint64(0) {
			minVoff = 0
		}
		s.bins[MetaBin] = []Chunk{
			{Start: minVoff, End: s.maxVoff},
			{Start: s.nMapped, End: 0},
		}
	}

	return writeCSI(out, seqs)
}

// mergeChunksBlockAdjacent sorts chunks by start and folds together any pair
// whose virtual-offset gap is within MinMarkerDist.
func mergeChunksBlockAdjacent(chunks []Chunk) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Start < chunks[j].Start })
	out := chunks[:1]
	for _, c := range chunks[1:] {
		last := &out[len(out)-1]
		if c.Start <= last.End+MinMarkerDist {
			if c.End > last.End {
				last.End = c.End
			}
		} else {
			out = append(out, c)
		}
	}
	return out
}

// compressBinning rolls fine bins into their parent when the bin's
// compressed-byte span is under MinMarkerDist and the parent already
// exists, then merges block-adjacent chunks within every surviving bin.
func compressBinning(bins map[uint32][]Chunk) {
	for bin, chunks := range bins {
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].Start < chunks[j].Start })
		bins[bin] = chunks
	}

	for l := uint32(NLvls); l >= 1; l-- {
		levelFirst := binFirst(l)
		levelLast := binFirst(l + 1)

		var candidates []uint32
		for b := range bins {
			if b >= levelFirst && b < levelLast {
				candidates = append(candidates, b)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

		for _, b := range candidates {
			parent := binParent(b)
			if _, ok := bins[parent]; !ok {
				continue
			}
			chunks := bins[b]
			if len(chunks) == 0 {
				continue
			}
			firstStart := chunks[0].Start
			var lastEnd uint64
			for _, c := range chunks {
				if c.Start < firstStart {
					firstStart = c.Start
				}
				if c.End > lastEnd {
					lastEnd = c.End
				}
			}
			var span uint64
			if lastEnd>>16 > firstStart>>16 {
				span = (lastEnd >> 16) - (firstStart >> 16)
			}
			if span < MinMarkerDist {
				delete(bins, b)
				parentChunks := append(bins[parent], chunks...)
				sort.Slice(parentChunks, func(i, j int) bool { return parentChunks[i].Start < parentChunks[j].Start })
				bins[parent] = parentChunks
			}
		}
	}

	for bin, chunks := range bins {
		bins[bin] = mergeChunksBlockAdjacent(chunks)
	}
}

// writeCSI serializes seqs into the CSI v1 binary layout and writes it,
// BGZF-compressed, to out.
func writeCSI(out io.Writer, seqs []*seqIndex) error {
	w := bgzf.NewWriter(out)

	if _, err := w.Write([]byte("CSI\x01")); err != nil {
		return errors.E(err, "csi: writing magic")
	}
	if err := writeLE(w, int32(MinShift)); err != nil {
		return err
	}
	if err := writeLE(w, int32(NLvls)); err != nil {
		return err
	}

	var namesBuf bytes.Buffer
	for _, s := range seqs {
		namesBuf.WriteString(s.name)
		namesBuf.WriteByte(0)
	}
	lNm := uint32(namesBuf.Len())
	lMeta := 28 + lNm
	if err := writeLE(w, lMeta); err != nil {
		return err
	}
	if err := writeLE(w, uint32(0)); err != nil { // preset = TBX_GENERIC
		return err
	}
	if err := writeLE(w, uint32(1)); err != nil { // col_seq
		return err
	}
	if err := writeLE(w, uint32(4)); err != nil { // col_beg
		return err
	}
	if err := writeLE(w, uint32(5)); err != nil { // col_end
		return err
	}
	if err := writeLE(w, uint32('#')); err != nil { // meta_char
		return err
	}
	if err := writeLE(w, uint32(0)); err != nil { // line_skip
		return err
	}
	if err := writeLE(w, lNm); err != nil {
		return err
	}
	if _, err := w.Write(namesBuf.Bytes()); err != nil {
		return errors.E(err, "csi: writing sequence names")
	}

	if err := writeLE(w, int32(len(seqs))); err != nil {
		return err
	}

	for _, s := range seqs {
		binIDs := make([]uint32, 0, len(s.bins))
		for b := range s.bins {
			binIDs = append(binIDs, b)
		}
		sort.Slice(binIDs, func(i, j int) bool { return binIDs[i] < binIDs[j] })

		if err := writeLE(w, int32(len(binIDs))); err != nil {
			return err
		}
		for _, bin := range binIDs {
			chunks := s.bins[bin]
			loff := computeLoff(bin, s.lidx)
			if err := writeLE(w, bin); err != nil {
				return err
			}
			if err := writeLE(w, loff); err != nil {
				return err
			}
			if err := writeLE(w, int32(len(chunks))); err != nil {
				return err
			}
			for _, c := range chunks {
				if err := writeLE(w, c.Start); err != nil {
					return err
				}
				if err := writeLE(w, c.End); err != nil {
					return err
				}
			}
		}
	}

	if err := writeLE(w, uint64(0)); err != nil { // n_no_coor
		return err
	}
	if _, err := w.Finish(); err != nil {
		return errors.E(err, "csi: finishing BGZF stream")
	}
	return nil
}

func writeLE(w io.Writer, v interface{}) error {
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		vlog.VI(1).Infof("csi: binary.Write failed: %v", err)
		return errors.E(err, "csi: writing field")
	}
	return nil
}
