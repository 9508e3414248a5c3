package stcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"
	"sync"

	"github.com/google/netstack/tcpip/seqnum"
)

// fixedISN is the initial sequence number used when Config.FixedISN is set.
const fixedISN seqnum.Value = 1

// isnGenerator hands out initial sequence numbers.
// It is safe for concurrent use so a Listener can share one across connections.
type isnGenerator struct {
	fixed bool

	mu  sync.Mutex
	rng *mrand.Rand
}

// newISNGenerator builds a generator from configuration. A zero seed is
// replaced by one read from crypto/rand.
func newISNGenerator(fixed bool, seed uint64) (*isnGenerator, error) {
	if fixed {
		return &isnGenerator{fixed: true}, nil
	}
	if seed == 0 {
		var err error
		if seed, err = randomSeed(); err != nil {
			return nil, err
		}
	}
	return &isnGenerator{
		rng: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Next returns the next initial sequence number.
func (g *isnGenerator) Next() seqnum.Value {
	if g.fixed {
		return fixedISN
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return seqnum.Value(g.rng.Uint32())
}

// randomSeed reads a non-zero 64-bit seed from the system CSPRNG.
func randomSeed() (uint64, error) {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate ISN seed: %w", err)
		}
		if seed := binary.BigEndian.Uint64(buf[:]); seed != 0 {
			return seed, nil
		}
	}
}
