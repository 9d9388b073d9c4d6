package csi

// Binning scheme constants for tabix's coordinate-sorted (CSI) index,
// generalized from the old-BAM binning index to MinShift=14/NLvls=8
// (coordinate ceiling 2^38, ~274 GB).
const (
	MinShift = 14
	NLvls    = 8

	// NBins is hts_bin_first(NLvls+1): the number of regular (non-meta) bins.
	NBins = 19173961

	// MetaBin is the per-sequence metadata pseudo-bin, NBins+1.
	MetaBin = 19173962

	// MinMarkerDist (HTS_MIN_MARKER_DIST) is the byte-span threshold below
	// which a fine bin rolls up into its parent, and the gap threshold below
	// which two chunks in the same bin merge.
	MinMarkerDist = 0x10000
)

// binFirst returns the first (lowest-numbered) bin at level l.
func binFirst(l uint32) uint32 {
	return (uint32(1)<<(3*l) - 1) / 7
}

// binParent returns the parent bin of b. b must be > 0.
func binParent(b uint32) uint32 {
	return (b - 1) >> 3
}

// binLevel returns the number of parent steps from b to bin 0.
func binLevel(b uint32) uint32 {
	var level uint32
	for b > 0 {
		b = (b - 1) >> 3
		level++
	}
	return level
}

// binBot returns the bottom linear-index slot covered by bin b.
func binBot(b uint32) uint64 {
	level := binLevel(b)
	offset := b - binFirst(level)
	return uint64(offset) << ((NLvls - level) * 3)
}

// reg2bin returns the bin number for the 0-based half-open interval
// [beg, end), using the finest-bin-that-fully-contains-the-interval rule.
func reg2bin(beg, end uint64) uint32 {
	e := end
	if e > 0 {
		e--
	}
	s := uint32(MinShift)
	t := uint64(1<<(3*NLvls+3)-1) / 7
	for l := uint32(NLvls); l >= 1; l-- {
		t -= uint64(1) << (3 * l)
		if (beg >> s) == (e >> s) {
			return uint32(t) + uint32(beg>>s)
		}
		s += 3
	}
	return 0
}

// computeLoff returns the CSI per-bin loff value for bin, falling back to
// the last non-zero lidx entry when bin's own bottom slot is unset.
func computeLoff(bin uint32, lidx []uint64) uint64 {
	if bin >= NBins {
		return 0
	}
	var offset0 uint64
	for i := len(lidx) - 1; i >= 0; i-- {
		if lidx[i] != 0 {
			offset0 = lidx[i]
			break
		}
	}
	bot := binBot(bin)
	if bot < uint64(len(lidx)) && lidx[bot] != 0 {
		return lidx[bot]
	}
	return offset0
}
