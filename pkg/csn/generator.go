package csn

import (
	"math"
	"sync"
	"time"
)

// Generator produces strictly increasing CSNs for one replica.
type Generator struct {
	serverID int32
	now      func() time.Time

	mu       sync.Mutex
	lastTime int64
	seqNum   uint32
}

// NewGenerator returns a generator for serverID seeded from state, so that
// generated CSNs are newer than every change state already knows of.
func NewGenerator(serverID int32, state *ServerState) *Generator {
	g := &Generator{serverID: serverID, now: time.Now}
	if state != nil {
		for _, c := range state.CSNs() {
			g.Adjust(c)
		}
	}
	return g
}

// New returns the next CSN.
func (g *Generator) New() CSN {
	cur := g.now().UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()

	if cur > g.lastTime {
		g.lastTime = cur
	}
	if g.seqNum >= math.MaxInt32 {
		g.seqNum = 0
		g.lastTime++
	}
	g.seqNum++
	return CSN{Time: g.lastTime, SeqNum: g.seqNum, ServerID: g.serverID}
}

// Adjust moves the generator forward so that the next CSN is newer than c.
func (g *Generator) Adjust(c CSN) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.Time > g.lastTime {
		g.lastTime = c.Time
	}
	if (c.ServerID == g.serverID || c.Time == g.lastTime) && c.SeqNum > g.seqNum {
		g.seqNum = c.SeqNum
	}
}
