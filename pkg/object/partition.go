package object

import "github.com/idlab-discover/5GBDash/pkg/tools"

// BlockPartitioning implements the block partitioning algorithm of
// RFC 5052 section 9.1.
//
// b is the maximum source block length in symbols, l the transfer length
// in octets and e the encoding symbol length in octets. It returns the
// large and small block lengths in symbols, the number of large blocks and
// the total block count.
func BlockPartitioning(b, l, e uint64) (aLarge, aSmall, nbALarge, nbBlocks uint64) {
	if b == 0 || e == 0 {
		return 0, 0, 0, 0
	}

	t := tools.DivCeil(l, e)
	n := tools.DivCeil(t, b)
	if n == 0 {
		return 0, 0, 0, 0
	}

	aLarge = tools.DivCeil(t, n)
	aSmall = tools.DivFloor(t, n)
	nbALarge = t - aSmall*n
	nbBlocks = n
	return aLarge, aSmall, nbALarge, nbBlocks
}

// calculatePartitioning fills a Partitioning from an OTI, mirroring
// BlockPartitioning with the object's parameters.
func calculatePartitioning(transferLength uint64, symbolLength, maxSourceBlockLength uint32) Partitioning {
	aLarge, aSmall, nbALarge, nbBlocks := BlockPartitioning(
		uint64(maxSourceBlockLength), transferLength, uint64(symbolLength))
	total := tools.DivCeil(transferLength, uint64(symbolLength))
	return Partitioning{
		NofSourceSymbols:       uint32(total),
		NofSourceBlocks:        uint32(nbBlocks),
		LargeSourceBlockLength: uint32(aLarge),
		SmallSourceBlockLength: uint32(aSmall),
		NofLargeSourceBlocks:   uint32(nbALarge),
	}
}
