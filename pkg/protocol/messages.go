package protocol

import (
	"github.com/dd0wney/cluso-replication/pkg/csn"
)

// AssuredMode selects how an assured update is acknowledged
type AssuredMode uint8

const (
	// SafeDataMode acks once enough replication servers stored the update
	SafeDataMode AssuredMode = iota + 1
	// SafeReadMode acks once every eligible data server replayed the update
	SafeReadMode
)

// String returns a readable mode name
func (m AssuredMode) String() string {
	switch m {
	case SafeDataMode:
		return "safe_data"
	case SafeReadMode:
		return "safe_read"
	default:
		return "none"
	}
}

// updateOverhead approximates the encoded size of an update besides its payload.
const updateOverhead = 48

// UpdateMsg carries one replicated change
type UpdateMsg struct {
	CSN            csn.CSN     `json:"csn"`
	Payload        []byte      `json:"payload,omitempty"`
	Assured        bool        `json:"assured,omitempty"`
	AssuredMode    AssuredMode `json:"assured_mode,omitempty"`
	SafeDataLevel  uint8       `json:"safe_data_level,omitempty"`
	ReplicaOffline bool        `json:"replica_offline,omitempty"`
}

func (m *UpdateMsg) Type() MessageType { return MsgUpdate }

// ContributesToDomainState reports whether delivering the update advances the
// receiver's server state. Replica offline markers only track delivery.
func (m *UpdateMsg) ContributesToDomainState() bool {
	return !m.ReplicaOffline
}

// Size returns the number of bytes the update accounts for in queues.
func (m *UpdateMsg) Size() int {
	return len(m.Payload) + updateOverhead
}

// NotAssured returns a copy of m without the assured flag, for peers that
// are not expected to acknowledge it.
func (m *UpdateMsg) NotAssured() *UpdateMsg {
	clone := *m
	clone.Assured = false
	return &clone
}

// AckMsg acknowledges an assured update
type AckMsg struct {
	CSN            csn.CSN `json:"csn"`
	HasTimeout     bool    `json:"has_timeout,omitempty"`
	HasWrongStatus bool    `json:"has_wrong_status,omitempty"`
	HasReplayError bool    `json:"has_replay_error,omitempty"`
	FailedServers  []int32 `json:"failed_servers,omitempty"`
}

func (m *AckMsg) Type() MessageType { return MsgAck }

// HasErrors reports whether any failure flag is set.
func (m *AckMsg) HasErrors() bool {
	return m.HasTimeout || m.HasWrongStatus || m.HasReplayError
}

// MonitorRequestMsg asks a replication server for its monitoring data
type MonitorRequestMsg struct {
	SenderID      int32 `json:"sender_id"`
	DestinationID int32 `json:"destination_id"`
}

func (m *MonitorRequestMsg) Type() MessageType { return MsgMonitorRequest }

// ServerMonitorEntry describes one server inside a MonitorMsg
type ServerMonitorEntry struct {
	ServerID         int32            `json:"server_id"`
	State            *csn.ServerState `json:"state,omitempty"`
	FirstMissingDate int64            `json:"first_missing_date,omitempty"`
}

// MonitorMsg answers a MonitorRequestMsg, or is pushed to data servers
// with the topology-wide view.
type MonitorMsg struct {
	SenderID          int32                `json:"sender_id"`
	DestinationID     int32                `json:"destination_id"`
	ReplServerDBState *csn.ServerState     `json:"repl_server_db_state,omitempty"`
	DSStates          []ServerMonitorEntry `json:"ds_states,omitempty"`
	RSStates          []ServerMonitorEntry `json:"rs_states,omitempty"`
}

func (m *MonitorMsg) Type() MessageType { return MsgMonitor }

// SetServerState adds or replaces the entry for a data server.
func (m *MonitorMsg) SetServerState(serverID int32, state *csn.ServerState, firstMissingDate int64) {
	m.DSStates = setEntry(m.DSStates, serverID, state, firstMissingDate)
}

// SetReplServerState adds or replaces the entry for a replication server.
func (m *MonitorMsg) SetReplServerState(serverID int32, state *csn.ServerState, firstMissingDate int64) {
	m.RSStates = setEntry(m.RSStates, serverID, state, firstMissingDate)
}

func setEntry(entries []ServerMonitorEntry, serverID int32, state *csn.ServerState, fmd int64) []ServerMonitorEntry {
	entry := ServerMonitorEntry{ServerID: serverID, State: state, FirstMissingDate: fmd}
	for i := range entries {
		if entries[i].ServerID == serverID {
			entries[i] = entry
			return entries
		}
	}
	return append(entries, entry)
}

// ChangeStatusMsg announces or requests a data server status change
type ChangeStatusMsg struct {
	RequestedStatus ServerStatus `json:"requested_status,omitempty"`
	NewStatus       ServerStatus `json:"new_status,omitempty"`
}

func (m *ChangeStatusMsg) Type() MessageType { return MsgChangeStatus }

// DSInfo describes a data server in a TopologyMsg
type DSInfo struct {
	ServerID      int32        `json:"server_id"`
	RSID          int32        `json:"rs_id"`
	GenerationID  int64        `json:"generation_id"`
	Status        ServerStatus `json:"status"`
	GroupID       uint8        `json:"group_id"`
	AssuredFlag   bool         `json:"assured_flag,omitempty"`
	AssuredMode   AssuredMode  `json:"assured_mode,omitempty"`
	SafeDataLevel uint8        `json:"safe_data_level,omitempty"`
}

// RSInfo describes a replication server in a TopologyMsg
type RSInfo struct {
	ServerID     int32  `json:"server_id"`
	GenerationID int64  `json:"generation_id"`
	GroupID      uint8  `json:"group_id"`
	Weight       int    `json:"weight"`
	ServerURL    string `json:"server_url,omitempty"`
}

// TopologyMsg carries the servers known to the sender
type TopologyMsg struct {
	DSInfos []DSInfo `json:"ds_infos,omitempty"`
	RSInfos []RSInfo `json:"rs_infos,omitempty"`
}

func (m *TopologyMsg) Type() MessageType { return MsgTopology }

// HeartbeatMsg keeps an idle connection alive
type HeartbeatMsg struct {
	SentAt int64 `json:"sent_at"`
}

func (m *HeartbeatMsg) Type() MessageType { return MsgHeartbeat }
