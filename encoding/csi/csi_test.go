package csi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/refidx/encoding/bgzf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodedBin and decodedIndex are test-only mirrors of the CSI binary
// layout, used exclusively to assert properties of BuildIndex's output;
// this package has no production query path to decode against.
type decodedBin struct {
	Num    uint32
	Loff   uint64
	Chunks []Chunk
}

type decodedSeq struct {
	Bins []decodedBin
}

type decodedIndex struct {
	MinShift int32
	NLvls    int32
	Names    []string
	Seqs     []decodedSeq
}

func decodeCSI(t *testing.T, raw []byte) decodedIndex {
	r := bgzf.NewReader(bytes.NewReader(raw))

	var magic [4]byte
	_, err := io.ReadFull(r, magic[:])
	require.Nil(t, err)
	require.Equal(t, "CSI\x01", string(magic[:]))

	var idx decodedIndex
	require.Nil(t, binary.Read(r, binary.LittleEndian, &idx.MinShift))
	require.Nil(t, binary.Read(r, binary.LittleEndian, &idx.NLvls))

	var lMeta uint32
	require.Nil(t, binary.Read(r, binary.LittleEndian, &lMeta))
	var preset, colSeq, colBeg, colEnd, metaChar, lineSkip, lNm uint32
	require.Nil(t, binary.Read(r, binary.LittleEndian, &preset))
	require.Nil(t, binary.Read(r, binary.LittleEndian, &colSeq))
	require.Nil(t, binary.Read(r, binary.LittleEndian, &colBeg))
	require.Nil(t, binary.Read(r, binary.LittleEndian, &colEnd))
	require.Nil(t, binary.Read(r, binary.LittleEndian, &metaChar))
	require.Nil(t, binary.Read(r, binary.LittleEndian, &lineSkip))
	require.Nil(t, binary.Read(r, binary.LittleEndian, &lNm))
	names := make([]byte, lNm)
	_, err = io.ReadFull(r, names)
	require.Nil(t, err)
	for _, part := range bytes.Split(bytes.TrimRight(names, "\x00"), []byte{0}) {
		idx.Names = append(idx.Names, string(part))
	}

	var nRef int32
	require.Nil(t, binary.Read(r, binary.LittleEndian, &nRef))

	for i := int32(0); i < nRef; i++ {
		var nBin int32
		require.Nil(t, binary.Read(r, binary.LittleEndian, &nBin))
		var seq decodedSeq
		for b := int32(0); b < nBin; b++ {
			var bin decodedBin
			require.Nil(t, binary.Read(r, binary.LittleEndian, &bin.Num))
			require.Nil(t, binary.Read(r, binary.LittleEndian, &bin.Loff))
			var nChunk int32
			require.Nil(t, binary.Read(r, binary.LittleEndian, &nChunk))
			for c := int32(0); c < nChunk; c++ {
				var chunk Chunk
				require.Nil(t, binary.Read(r, binary.LittleEndian, &chunk.Start))
				require.Nil(t, binary.Read(r, binary.LittleEndian, &chunk.End))
				bin.Chunks = append(bin.Chunks, chunk)
			}
			seq.Bins = append(seq.Bins, bin)
		}
		idx.Seqs = append(idx.Seqs, seq)
	}

	var nNoCoor uint64
	require.Nil(t, binary.Read(r, binary.LittleEndian, &nNoCoor))
	require.Equal(t, uint64(0), nNoCoor)

	return idx
}

func bgzfCompressGFF(t *testing.T, plain string) []byte {
	var buf bytes.Buffer
	w := bgzf.NewWriter(&buf)
	_, err := w.Write([]byte(plain))
	require.Nil(t, err)
	_, err = w.Finish()
	require.Nil(t, err)
	return buf.Bytes()
}

func findBin(seq decodedSeq, num uint32) (decodedBin, bool) {
	for _, b := range seq.Bins {
		if b.Num == num {
			return b, true
		}
	}
	return decodedBin{}, false
}

func TestBuildIndexEmitsMetaPseudoBin(t *testing.T) {
	gff := "chr1\tsrc\tgene\t1\t100\t.\t+\t.\tID=a\n" +
		"chr1\tsrc\tgene\t200\t300\t.\t+\t.\tID=b\n"
	compressed := bgzfCompressGFF(t, gff)

	var out bytes.Buffer
	require.Nil(t, BuildIndex(&out, bgzf.NewReader(bytes.NewReader(compressed))))

	idx := decodeCSI(t, out.Bytes())
	require.Len(t, idx.Seqs, 1)
	require.Equal(t, []string{"chr1"}, idx.Names)

	meta, ok := findBin(idx.Seqs[0], MetaBin)
	require.True(t, ok)
	require.Len(t, meta.Chunks, 2)
	assert.Equal(t, uint64(2), meta.Chunks[1].Start) // n_mapped
	assert.Equal(t, uint64(0), meta.Chunks[1].End)
}

func TestBuildIndexBinChoiceMatchesReg2Bin(t *testing.T) {
	gff := "chr1\tsrc\tgene\t1\t10\t.\t+\t.\tID=a\n"
	compressed := bgzfCompressGFF(t, gff)

	var out bytes.Buffer
	require.Nil(t, BuildIndex(&out, bgzf.NewReader(bytes.NewReader(compressed))))

	idx := decodeCSI(t, out.Bytes())
	require.Len(t, idx.Seqs, 1)

	wantBin := reg2bin(0, 10)
	_, ok := findBin(idx.Seqs[0], wantBin)
	assert.True(t, ok, fmt.Sprintf("expected bin %d in output", wantBin))
}

func TestBuildIndexSkipsCommentAndBlankLines(t *testing.T) {
	gff := "#a comment\n\nchr1\tsrc\tgene\t1\t10\t.\t+\t.\tID=a\n"
	compressed := bgzfCompressGFF(t, gff)

	var out bytes.Buffer
	require.Nil(t, BuildIndex(&out, bgzf.NewReader(bytes.NewReader(compressed))))

	idx := decodeCSI(t, out.Bytes())
	require.Len(t, idx.Seqs, 1)
}

func TestBuildIndexSkipsLinesWithTooFewFields(t *testing.T) {
	gff := "chr1\tsrc\tgene\t1\n" + "chr1\tsrc\tgene\t1\t10\t.\t+\t.\tID=a\n"
	compressed := bgzfCompressGFF(t, gff)

	var out bytes.Buffer
	require.Nil(t, BuildIndex(&out, bgzf.NewReader(bytes.NewReader(compressed))))

	idx := decodeCSI(t, out.Bytes())
	require.Len(t, idx.Seqs, 1)
	meta, ok := findBin(idx.Seqs[0], MetaBin)
	require.True(t, ok)
	assert.Equal(t, uint64(1), meta.Chunks[1].Start)
}

func TestBuildIndexCompressBinningRollsUpAdjacentBins(t *testing.T) {
	// chr1:1-10 and chr1:16385-16394 land in adjacent finest-level bins
	// (2396745, 2396746) that share parent bin 299593. chr1:1-20000 lands
	// directly in that parent bin, so compressBinning's "parent already has
	// chunks" condition holds, and since every line here sits in the same
	// BGZF block (compressed-byte span 0 < MinMarkerDist), the two finest
	// bins must roll up into the parent.
	gff := "chr1\tsrc\tgene\t1\t10\t.\t+\t.\tID=a\n" +
		"chr1\tsrc\tgene\t16385\t16394\t.\t+\t.\tID=b\n" +
		"chr1\tsrc\tgene\t1\t20000\t.\t+\t.\tID=c\n"
	compressed := bgzfCompressGFF(t, gff)

	var out bytes.Buffer
	require.Nil(t, BuildIndex(&out, bgzf.NewReader(bytes.NewReader(compressed))))

	idx := decodeCSI(t, out.Bytes())
	require.Len(t, idx.Seqs, 1)

	const finestBinA, finestBinB, parentBin = 2396745, 2396746, 299593

	_, ok := findBin(idx.Seqs[0], finestBinA)
	assert.False(t, ok, "finest bin %d should have rolled up into its parent", finestBinA)
	_, ok = findBin(idx.Seqs[0], finestBinB)
	assert.False(t, ok, "finest bin %d should have rolled up into its parent", finestBinB)

	parent, ok := findBin(idx.Seqs[0], parentBin)
	require.True(t, ok, "parent bin %d should hold the rolled-up chunks", parentBin)
	assert.NotEmpty(t, parent.Chunks)
}

func TestUpdateLidxFillsWindowsAndEmitsMonotonicVoffs(t *testing.T) {
	s := newSeqIndex("chr1")

	// Three features, each in a distinct 16KiB (1<<MinShift) window, with
	// strictly increasing virtual offsets as a forward BGZF read would
	// produce.
	s.updateLidx(0, 10, 100)
	s.updateLidx(50000, 50010, 500)
	s.updateLidx(90000, 90010, 900)

	wantLen := int((uint64(90010-1) >> MinShift)) + 1
	require.Len(t, s.lidx, wantLen)

	assert.Equal(t, uint64(100), s.lidx[0])
	assert.Equal(t, uint64(500), s.lidx[50000>>MinShift])
	assert.Equal(t, uint64(900), s.lidx[90000>>MinShift])

	// Windows with no coverage of their own stay zero. BuildIndex's
	// trailing-zero-fill pass sets only the zero windows after the last
	// covered one to the end-of-file virtual offset, matching
	// original_source/src/htslib/tabix.rs's "Fill trailing zeros" pass;
	// gaps between covered windows stay zero.
	for i, v := range s.lidx {
		if v == 0 {
			continue
		}
		assert.True(t, v >= 100, "lidx[%d]=%d should never fall below the first recorded voff", i, v)
	}

	const eofVoff = uint64(1000)
	lastNonzero := -1
	for i := range s.lidx {
		if s.lidx[i] != 0 {
			lastNonzero = i
		}
	}
	for i := lastNonzero + 1; lastNonzero >= 0 && i < len(s.lidx); i++ {
		s.lidx[i] = eofVoff
	}
	var last uint64
	for i, v := range s.lidx {
		if v != 0 {
			assert.True(t, v >= last, "lidx[%d]=%d is less than the preceding non-zero entry %d", i, v, last)
			last = v
		}
	}
}

func TestBinArithmeticRoundTrips(t *testing.T) {
	for l := uint32(0); l <= NLvls; l++ {
		first := binFirst(l)
		if l > 0 {
			assert.Equal(t, l, binLevel(first))
		}
	}
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
