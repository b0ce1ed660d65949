package replication

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/csn"
)

// MonitorData is a consolidated view of how far every server of a domain
// lags behind the newest known change of each replica. It is built by one
// monitor round and read-only once published.
type MonitorData struct {
	maxCSNs          *csn.ServerState
	dsStates         map[int32]*csn.ServerState
	rsStates         map[int32]*csn.ServerState
	firstMissingDate map[int32]int64
	rsFirstMissing   map[int32]int64
	missingChanges   map[int32]int64
	missingChangesRS map[int32]int64
	buildDate        time.Time
}

// NewMonitorData creates empty monitor data.
func NewMonitorData() *MonitorData {
	return &MonitorData{
		maxCSNs:          csn.NewServerState(),
		dsStates:         make(map[int32]*csn.ServerState),
		rsStates:         make(map[int32]*csn.ServerState),
		firstMissingDate: make(map[int32]int64),
		rsFirstMissing:   make(map[int32]int64),
		missingChanges:   make(map[int32]int64),
		missingChangesRS: make(map[int32]int64),
	}
}

// SetMaxCSN keeps c when it is the newest change seen for its replica.
func (d *MonitorData) SetMaxCSN(c csn.CSN) {
	d.maxCSNs.Update(c)
}

// SetMaxCSNs applies SetMaxCSN to every CSN of state.
func (d *MonitorData) SetMaxCSNs(state *csn.ServerState) {
	if state != nil {
		d.maxCSNs.UpdateState(state)
	}
}

// SetDSState records the server state of a data server.
func (d *MonitorData) SetDSState(serverID int32, state *csn.ServerState) {
	d.dsStates[serverID] = state
}

// SetRSState records the changelog state of a replication server.
func (d *MonitorData) SetRSState(serverID int32, state *csn.ServerState) {
	d.rsStates[serverID] = state
}

// SetFirstMissingDate records the date of the oldest change serverID is
// missing. Zero never replaces a known date, and an earlier date wins.
func (d *MonitorData) SetFirstMissingDate(serverID int32, date int64) {
	d.firstMissingDate[serverID] = mergeFirstMissing(d.firstMissingDate[serverID], date)
}

// SetRSFirstMissingDate is SetFirstMissingDate for replication servers.
func (d *MonitorData) SetRSFirstMissingDate(serverID int32, date int64) {
	d.rsFirstMissing[serverID] = mergeFirstMissing(d.rsFirstMissing[serverID], date)
}

func mergeFirstMissing(current, date int64) int64 {
	if date != 0 && (current == 0 || date < current) {
		return date
	}
	return current
}

// CompleteComputing derives the missing change counters from the collected
// states.
func (d *MonitorData) CompleteComputing() {
	maxCSNs := d.maxCSNs.CSNs()

	for serverID, state := range d.dsStates {
		var missing int64
		if state != nil {
			for i := range maxCSNs {
				diff := csn.DiffSeqNum(&maxCSNs[i], state.CSN(maxCSNs[i].ServerID))
				if maxCSNs[i].ServerID == serverID && diff <= selfGapTolerance {
					diff = 0
				}
				missing += diff
			}
		}
		d.missingChanges[serverID] = missing
	}

	for serverID, state := range d.rsStates {
		var missing int64
		if state != nil {
			for i := range maxCSNs {
				missing += csn.DiffSeqNum(&maxCSNs[i], state.CSN(maxCSNs[i].ServerID))
			}
		}
		d.missingChangesRS[serverID] = missing
	}
}

// MissingChanges returns the changes data server serverID is missing, or
// -1 when it is unknown.
func (d *MonitorData) MissingChanges(serverID int32) int64 {
	if n, ok := d.missingChanges[serverID]; ok {
		return n
	}
	return -1
}

// MissingChangesRS returns the changes replication server serverID is
// missing, or -1 when it is unknown.
func (d *MonitorData) MissingChangesRS(serverID int32) int64 {
	if n, ok := d.missingChangesRS[serverID]; ok {
		return n
	}
	return -1
}

// ApproxFirstMissingDate returns the date in milliseconds of the oldest
// change data server serverID is missing, or 0.
func (d *MonitorData) ApproxFirstMissingDate(serverID int32) int64 {
	return d.firstMissingDate[serverID]
}

// RSApproxFirstMissingDate returns the date in milliseconds of the oldest
// change replication server serverID is missing, or 0.
func (d *MonitorData) RSApproxFirstMissingDate(serverID int32) int64 {
	return d.rsFirstMissing[serverID]
}

// ApproxDelay returns in seconds how long data server serverID has been
// missing a change, or 0.
func (d *MonitorData) ApproxDelay(serverID int32) int64 {
	return d.approxDelay(serverID, time.Now())
}

func (d *MonitorData) approxDelay(serverID int32, now time.Time) int64 {
	fmd := d.firstMissingDate[serverID]
	if fmd <= 0 {
		return 0
	}
	return (now.UnixMilli() - fmd) / 1000
}

// DSState returns the state collected for a data server, or nil.
func (d *MonitorData) DSState(serverID int32) *csn.ServerState {
	return d.dsStates[serverID]
}

// RSState returns the state collected for a replication server, or nil.
func (d *MonitorData) RSState(serverID int32) *csn.ServerState {
	return d.rsStates[serverID]
}

// DSIDs returns the data servers covered, sorted.
func (d *MonitorData) DSIDs() []int32 {
	return slices.Sorted(maps.Keys(d.dsStates))
}

// RSIDs returns the replication servers covered, sorted.
func (d *MonitorData) RSIDs() []int32 {
	return slices.Sorted(maps.Keys(d.rsStates))
}

// MaxCSN returns the newest change known for replica serverID, or nil.
func (d *MonitorData) MaxCSN(serverID int32) *csn.CSN {
	return d.maxCSNs.CSN(serverID)
}

// BuildDate returns when the data was published.
func (d *MonitorData) BuildDate() time.Time {
	return d.buildDate
}

type serverMonitorView struct {
	ServerID         int32            `json:"server_id"`
	State            *csn.ServerState `json:"state,omitempty"`
	MissingChanges   int64            `json:"missing_changes"`
	FirstMissingDate int64            `json:"first_missing_date,omitempty"`
	ApproxDelay      int64            `json:"approx_delay_seconds,omitempty"`
}

// MarshalJSON renders the data for the admin endpoint.
func (d *MonitorData) MarshalJSON() ([]byte, error) {
	now := time.Now()
	view := struct {
		BuildDate          time.Time           `json:"build_date"`
		MaxCSNs            *csn.ServerState    `json:"max_csns"`
		DataServers        []serverMonitorView `json:"data_servers"`
		ReplicationServers []serverMonitorView `json:"replication_servers"`
	}{
		BuildDate:          d.buildDate,
		MaxCSNs:            d.maxCSNs,
		DataServers:        []serverMonitorView{},
		ReplicationServers: []serverMonitorView{},
	}
	for _, id := range d.DSIDs() {
		view.DataServers = append(view.DataServers, serverMonitorView{
			ServerID:         id,
			State:            d.dsStates[id],
			MissingChanges:   d.MissingChanges(id),
			FirstMissingDate: d.firstMissingDate[id],
			ApproxDelay:      d.approxDelay(id, now),
		})
	}
	for _, id := range d.RSIDs() {
		view.ReplicationServers = append(view.ReplicationServers, serverMonitorView{
			ServerID:         id,
			State:            d.rsStates[id],
			MissingChanges:   d.MissingChangesRS(id),
			FirstMissingDate: d.rsFirstMissing[id],
		})
	}
	return json.Marshal(view)
}
