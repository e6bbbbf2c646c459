package model

import (
	"fmt"
	"time"
)

// Node is a vnode: an independently schedulable part of an execution host.
type Node struct {
	ID            string    `json:"id"`
	Host          string    `json:"host"`
	Natural       bool      `json:"natural"`
	State         NodeState `json:"state"`
	Comment       string    `json:"comment,omitempty"`
	Partition     string    `json:"partition,omitempty"`
	Queue         string    `json:"queue,omitempty"`
	Jobs          []string  `json:"jobs,omitempty"`
	Seq           int64     `json:"seq"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	c := *n
	c.Jobs = append([]string(nil), n.Jobs...)
	return &c
}

// VnodeName returns the name of the i-th vnode of a host.
func VnodeName(host string, i int) string {
	return fmt.Sprintf("%s[%d]", host, i)
}

// NodeView is the query snapshot of a vnode joined with its resources.
type NodeView struct {
	Node
	ResourcesAvailable map[string]string `json:"resources_available"`
	ResourcesAssigned  map[string]string `json:"resources_assigned"`
}

// Queue is a job queue.
type Queue struct {
	Name          string    `json:"name"`
	Type          QueueType `json:"queue_type"`
	BackfillDepth *int      `json:"backfill_depth,omitempty"` // nil inherits the server default
	Partition     string    `json:"partition,omitempty"`
	Enabled       bool      `json:"enabled"`
	Started       bool      `json:"started"`
	Priority      int       `json:"priority"`
	CreatedAt     time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (q *Queue) Clone() *Queue {
	c := *q
	if q.BackfillDepth != nil {
		d := *q.BackfillDepth
		c.BackfillDepth = &d
	}
	return &c
}

// QueueType distinguishes execution queues from routing queues.
type QueueType string

const (
	QueueExecution QueueType = "execution"
	QueueRoute     QueueType = "route"
)
