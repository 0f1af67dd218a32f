package expand

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"github.com/epcalc/epcalc/kernel"
)

// fingerprintVersion is bumped whenever the canonical encoding changes,
// invalidating previously cached results.
const fingerprintVersion = 1

// Fingerprint derives the canonical content address of one compute
// point: SHA-256 over a deterministic encoding of every input that
// affects the result, plus the layout hint.
//
// Canonicalisation rules: numeric axes sorted by name; floats encoded
// as their IEEE-754 bit pattern big-endian; integers as signed
// big-endian 64-bit; constellation symbols in (Re, Im, Prob) sort
// order; metric names sorted. Two points are equal iff their
// fingerprints are equal.
func Fingerprint(p kernel.Point, layout string) string {
	h := sha256.New()
	var buf [8]byte

	writeU64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeFloat := func(v float64) { writeU64(math.Float64bits(v)) }
	writeInt := func(v int64) { writeU64(uint64(v)) }
	writeString := func(s string) {
		writeInt(int64(len(s)))
		h.Write([]byte(s))
	}

	writeInt(fingerprintVersion)

	// Scalar axes in sorted-name order: N, R, SNR (linear), n, threshold.
	writeString("N")
	writeInt(int64(p.Blocks))
	writeString("R")
	writeFloat(p.Rate)
	writeString("SNR")
	writeFloat(p.SNR)
	writeString("n")
	writeInt(int64(p.CodeLength))
	writeString("threshold")
	writeFloat(p.Threshold)

	writeString(p.Constellation.Kind)
	syms := p.Constellation.Canonical()
	writeInt(int64(len(syms)))
	for _, s := range syms {
		writeFloat(s.Re)
		writeFloat(s.Im)
		writeFloat(s.Prob)
	}

	names := make([]string, len(p.Metrics))
	for i, m := range p.Metrics {
		names[i] = string(m)
	}
	sort.Strings(names)
	writeInt(int64(len(names)))
	for _, n := range names {
		writeString(n)
	}

	writeString(layout)

	return hex.EncodeToString(h.Sum(nil))
}
