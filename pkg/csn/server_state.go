package csn

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// ServerState records, for each replica, the newest CSN the holder has seen.
// It never moves backwards for a replica. ServerState is safe for
// concurrent use.
type ServerState struct {
	mu   sync.RWMutex
	csns map[int32]CSN
}

// NewServerState returns an empty state.
func NewServerState() *ServerState {
	return &ServerState{csns: make(map[int32]CSN)}
}

// NewServerStateFrom returns a state holding the given CSNs. When several
// CSNs share a replica the newest wins.
func NewServerStateFrom(csns ...CSN) *ServerState {
	s := NewServerState()
	for _, c := range csns {
		s.Update(c)
	}
	return s
}

// Update records c if it is newer than the CSN held for its replica and
// reports whether the state changed.
func (s *ServerState) Update(c CSN) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.csns[c.ServerID]
	if ok && !c.IsNewerThan(current) {
		return false
	}
	s.csns[c.ServerID] = c
	return true
}

// UpdateState applies Update for every CSN of other and reports whether
// anything changed.
func (s *ServerState) UpdateState(other *ServerState) bool {
	if other == nil {
		return false
	}
	changed := false
	for _, c := range other.CSNs() {
		if s.Update(c) {
			changed = true
		}
	}
	return changed
}

// Cover reports whether the state already reflects c or a newer change
// of the same replica.
func (s *ServerState) Cover(c CSN) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current, ok := s.csns[c.ServerID]
	return ok && current.IsNewerThanOrEqual(c)
}

// CSN returns the CSN held for serverID, or nil when none is known.
func (s *ServerState) CSN(serverID int32) *CSN {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.csns[serverID]
	if !ok {
		return nil
	}
	return &c
}

// ServerIDs returns the known replica ids in ascending order.
func (s *ServerState) ServerIDs() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int32, 0, len(s.csns))
	for id := range s.csns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CSNs returns the held CSNs ordered by replica id.
func (s *ServerState) CSNs() []CSN {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CSN, 0, len(s.csns))
	for _, c := range s.csns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Len returns the number of replicas known.
func (s *ServerState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.csns)
}

// IsEmpty reports whether no replica is known.
func (s *ServerState) IsEmpty() bool {
	return s.Len() == 0
}

// Duplicate returns an independent copy.
func (s *ServerState) Duplicate() *ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dup := &ServerState{csns: make(map[int32]CSN, len(s.csns))}
	for id, c := range s.csns {
		dup.csns[id] = c
	}
	return dup
}

// Clear forgets every replica.
func (s *ServerState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csns = make(map[int32]CSN)
}

// Equal reports whether both states hold the same CSNs.
func (s *ServerState) Equal(other *ServerState) bool {
	if other == nil {
		return false
	}
	a, b := s.CSNs(), other.CSNs()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String lists the held CSNs separated by spaces.
func (s *ServerState) String() string {
	csns := s.CSNs()
	parts := make([]string, len(csns))
	for i, c := range csns {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

// MarshalJSON encodes the state as an object keyed by replica id.
func (s *ServerState) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.csns)
}

// UnmarshalJSON replaces the state with the encoded object.
func (s *ServerState) UnmarshalJSON(data []byte) error {
	csns := make(map[int32]CSN)
	if err := json.Unmarshal(data, &csns); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csns = csns
	return nil
}

// DiffChanges estimates how many changes known to latest are missing from
// state, summing DiffSeqNum over every replica of latest.
func DiffChanges(latest, state *ServerState) int64 {
	if latest == nil {
		return 0
	}
	var total int64
	for _, c := range latest.CSNs() {
		newest := c
		var seen *CSN
		if state != nil {
			seen = state.CSN(c.ServerID)
		}
		total += DiffSeqNum(&newest, seen)
	}
	return total
}
