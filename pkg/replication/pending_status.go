package replication

import "github.com/dd0wney/cluso-replication/pkg/protocol"

// noExcludedDS means every data server gets the next topology message.
const noExcludedDS int32 = -1

// pendingStatusMessages holds the status messages queued for the
// StatusAnalyzer. Only the latest monitor message per destination is kept.
type pendingStatusMessages struct {
	dsMonitorMsgs  map[int32]*protocol.MonitorMsg
	rsMonitorMsgs  map[int32]*protocol.MonitorMsg
	sendDSTopology bool
	sendRSTopology bool
	excludedDS     int32
	heartbeat      bool
}

func newPendingStatusMessages() pendingStatusMessages {
	return pendingStatusMessages{
		dsMonitorMsgs: make(map[int32]*protocol.MonitorMsg),
		rsMonitorMsgs: make(map[int32]*protocol.MonitorMsg),
		excludedDS:    noExcludedDS,
	}
}

func (p *pendingStatusMessages) enqueueDSMonitorMsg(dsID int32, msg *protocol.MonitorMsg) {
	p.dsMonitorMsgs[dsID] = msg
}

func (p *pendingStatusMessages) enqueueRSMonitorMsg(rsID int32, msg *protocol.MonitorMsg) {
	p.rsMonitorMsgs[rsID] = msg
}

// enqueueTopoInfoToAllDSsExcept schedules a topology message for every data
// server but dsID. Two requests excluding different servers cancel the
// exclusion.
func (p *pendingStatusMessages) enqueueTopoInfoToAllDSsExcept(dsID int32) {
	if p.sendDSTopology {
		if p.excludedDS != dsID {
			p.excludedDS = noExcludedDS
		}
		return
	}
	p.sendDSTopology = true
	p.excludedDS = dsID
}

func (p *pendingStatusMessages) enqueueTopoInfoToAllRSs() {
	p.sendRSTopology = true
}

func (p *pendingStatusMessages) enqueueTopoInfoToAll() {
	p.enqueueTopoInfoToAllDSsExcept(noExcludedDS)
	p.enqueueTopoInfoToAllRSs()
}

func (p *pendingStatusMessages) empty() bool {
	return len(p.dsMonitorMsgs) == 0 && len(p.rsMonitorMsgs) == 0 &&
		!p.sendDSTopology && !p.sendRSTopology && !p.heartbeat
}
