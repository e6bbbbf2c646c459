package record

import (
	"sync"

	"github.com/me/pbsched/pkg/model"
)

// Memory keeps records in memory. Tests use it to assert on lifecycles.
type Memory struct {
	mu    sync.Mutex
	jobs  []model.JobRecord
	nodes []model.NodeRecord
}

func (m *Memory) JobEvent(rec model.JobRecord) {
	m.mu.Lock()
	m.jobs = append(m.jobs, rec)
	m.mu.Unlock()
}

func (m *Memory) NodeEvent(rec model.NodeRecord) {
	m.mu.Lock()
	m.nodes = append(m.nodes, rec)
	m.mu.Unlock()
}

// JobRecords returns the records for jobID, or every job record when jobID is empty.
func (m *Memory) JobRecords(jobID string) []model.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JobRecord
	for _, r := range m.jobs {
		if jobID == "" || r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out
}

// NodeRecords returns the records for nodeID, or every node record when nodeID is empty.
func (m *Memory) NodeRecords(nodeID string) []model.NodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.NodeRecord
	for _, r := range m.nodes {
		if nodeID == "" || r.NodeID == nodeID {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many job records match jobID, event, host and detail.
// Empty arguments match anything.
func (m *Memory) Count(jobID, event, host, detail string) int {
	n := 0
	for _, r := range m.JobRecords(jobID) {
		if (event == "" || r.Event == event) && (host == "" || r.Host == host) && (detail == "" || r.Detail == detail) {
			n++
		}
	}
	return n
}
