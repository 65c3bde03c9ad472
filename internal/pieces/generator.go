package pieces

// PieceType represents one of the seven playable pieces.
type PieceType string

const (
	PieceI PieceType = "I"
	PieceO PieceType = "O"
	PieceT PieceType = "T"
	PieceS PieceType = "S"
	PieceZ PieceType = "Z"
	PieceJ PieceType = "J"
	PieceL PieceType = "L"
)

// BagSize is the number of pieces in one full bag cycle.
const BagSize = 7

// allPieces is the canonical bag order before shuffling. The order matters:
// both clients and the server build bags from this exact slice, so the
// shuffled output is identical for identical seeds.
var allPieces = [BagSize]PieceType{PieceI, PieceO, PieceT, PieceS, PieceZ, PieceJ, PieceL}

// Generator produces an infinite, replayable stream of pieces. Every full
// bag contains each piece exactly once. Two generators constructed with the
// same seed emit identical sequences; the seed is the only state a caller
// needs to reproduce a stream from the start.
type Generator struct {
	state  uint32
	bag    [BagSize]PieceType
	cursor int
}

// NewGenerator creates a generator seeded once. The generator is not safe
// for concurrent use; each consumer holds its own.
func NewGenerator(seed uint32) *Generator {
	g := &Generator{state: seed, cursor: BagSize}
	return g
}

// nextUint32 advances the linear-congruential state (numerical-recipes
// constants). Fixed here rather than taken from math/rand so a toolchain or
// library upgrade can never change the stream for an existing seed.
func (g *Generator) nextUint32() uint32 {
	g.state = g.state*1664525 + 1013904223
	return g.state
}

// refill shuffles a fresh bag with Fisher-Yates driven by the LCG.
func (g *Generator) refill() {
	g.bag = allPieces
	for i := BagSize - 1; i > 0; i-- {
		j := int(g.nextUint32() % uint32(i+1))
		g.bag[i], g.bag[j] = g.bag[j], g.bag[i]
	}
	g.cursor = 0
}

// Next returns the next piece in the stream, consuming it.
func (g *Generator) Next() PieceType {
	if g.cursor >= BagSize {
		g.refill()
	}
	p := g.bag[g.cursor]
	g.cursor++
	return p
}

// Take returns the next n pieces in order, consuming them.
func (g *Generator) Take(n int) []PieceType {
	out := make([]PieceType, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.Next())
	}
	return out
}
