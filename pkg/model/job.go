package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Job is a batch job known to the server.
type Job struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	Queue   string   `json:"queue"`
	State   JobState `json:"state"`
	Comment string   `json:"comment,omitempty"`

	Select    Select            `json:"select"`
	Place     Place             `json:"place"`
	Resources map[string]string `json:"resources,omitempty"` // job-wide Resource_List
	Walltime  time.Duration     `json:"walltime,omitempty"`  // zero means unlimited
	Priority  int               `json:"priority"`
	Hold      bool              `json:"hold,omitempty"`

	ResourcesUsed map[string]string `json:"resources_used,omitempty"`
	RunCount      int               `json:"run_count"`
	Attempts      int               `json:"attempts"`
	HeldReason    string            `json:"held_reason,omitempty"`
	BlockedBy     string            `json:"blocked_by,omitempty"`

	EstimatedStart *time.Time  `json:"estimated_start,omitempty"`
	Allocation     *Allocation `json:"allocation,omitempty"`
	ExitStatus     *int        `json:"exit_status,omitempty"`

	Seq         int64      `json:"seq"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers may modify it freely.
func (j *Job) Clone() *Job {
	c := *j
	c.Select = j.Select.Clone()
	c.Resources = cloneStrings(j.Resources)
	c.ResourcesUsed = cloneStrings(j.ResourcesUsed)
	if j.Allocation != nil {
		a := j.Allocation.Clone()
		c.Allocation = &a
	}
	if j.EstimatedStart != nil {
		t := *j.EstimatedStart
		c.EstimatedStart = &t
	}
	if j.ExitStatus != nil {
		e := *j.ExitStatus
		c.ExitStatus = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// ExecHosts returns the hosts of the job's allocation, mother superior first.
func (j *Job) ExecHosts() []string {
	if j.Allocation == nil {
		return nil
	}
	return j.Allocation.Hosts()
}

// MotherSuperior returns the primary execution host, or "" when not placed.
func (j *Job) MotherSuperior() string {
	hosts := j.ExecHosts()
	if len(hosts) == 0 {
		return ""
	}
	return hosts[0]
}

// Chunk is one select term: Count copies of Resources.
type Chunk struct {
	Count     int               `json:"count"`
	Resources map[string]string `json:"resources"`
}

// Select is a parsed select specification.
type Select []Chunk

// Clone returns a deep copy.
func (s Select) Clone() Select {
	if s == nil {
		return nil
	}
	out := make(Select, len(s))
	for i, c := range s {
		out[i] = Chunk{Count: c.Count, Resources: cloneStrings(c.Resources)}
	}
	return out
}

// Total returns the number of chunk instances.
func (s Select) Total() int {
	n := 0
	for _, c := range s {
		n += c.Count
	}
	return n
}

// String renders the select back into its "N:a=b+M:c=d" form.
func (s Select) String() string {
	parts := make([]string, 0, len(s))
	for _, c := range s {
		keys := make([]string, 0, len(c.Resources))
		for k := range c.Resources {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(strconv.Itoa(c.Count))
		for _, k := range keys {
			b.WriteString(":" + k + "=" + c.Resources[k])
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "+")
}

// ParseSelect parses "2:ncpus=1:mem=1gb+1:ncpus=4". A chunk without a
// leading count has a count of one.
func ParseSelect(spec string) (Select, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty select")
	}
	var sel Select
	for _, term := range strings.Split(spec, "+") {
		fields := strings.Split(strings.TrimSpace(term), ":")
		c := Chunk{Count: 1, Resources: map[string]string{}}
		for i, f := range fields {
			if i == 0 && !strings.Contains(f, "=") {
				n, err := strconv.Atoi(f)
				if err != nil || n <= 0 {
					return nil, fmt.Errorf("illegal chunk count %q", f)
				}
				c.Count = n
				continue
			}
			k, v, ok := strings.Cut(f, "=")
			if !ok || k == "" || v == "" {
				return nil, fmt.Errorf("illegal chunk resource %q", f)
			}
			c.Resources[k] = v
		}
		sel = append(sel, c)
	}
	return sel, nil
}

// Arrangement is the placement layout requested by a job.
type Arrangement string

const (
	ArrangeFree     Arrangement = "free"
	ArrangePack     Arrangement = "pack"
	ArrangeScatter  Arrangement = "scatter"
	ArrangeVScatter Arrangement = "vscatter"
)

// Sharing is the exclusivity modifier of a place specification.
type Sharing string

const (
	SharingShared   Sharing = "shared"
	SharingExcl     Sharing = "excl"
	SharingExclHost Sharing = "exclhost"
)

// Place is a parsed place specification.
type Place struct {
	Arrangement Arrangement `json:"arrangement"`
	Sharing     Sharing     `json:"sharing"`
}

// Exclusive reports whether the job takes its vnodes exclusively.
func (p Place) Exclusive() bool {
	return p.Sharing == SharingExcl || p.Sharing == SharingExclHost
}

// String renders the place back into "arrangement:sharing" form.
func (p Place) String() string {
	if p.Sharing == "" || p.Sharing == SharingShared {
		return string(p.Arrangement)
	}
	return string(p.Arrangement) + ":" + string(p.Sharing)
}

// ParsePlace parses "scatter:excl". The empty string yields free:shared.
func ParsePlace(spec string) (Place, error) {
	p := Place{Arrangement: ArrangeFree, Sharing: SharingShared}
	if strings.TrimSpace(spec) == "" {
		return p, nil
	}
	for _, f := range strings.Split(spec, ":") {
		switch f {
		case string(ArrangeFree), string(ArrangePack), string(ArrangeScatter), string(ArrangeVScatter):
			p.Arrangement = Arrangement(f)
		case string(SharingShared), string(SharingExcl), string(SharingExclHost):
			p.Sharing = Sharing(f)
		default:
			return p, fmt.Errorf("illegal place value %q", f)
		}
	}
	return p, nil
}

// ParseWalltime accepts seconds, "MM:SS" or "HH:MM:SS".
func ParseWalltime(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("illegal walltime %q", s)
	}
	var total int64
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("illegal walltime %q", s)
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second, nil
}

// FormatWalltime renders a duration as HH:MM:SS.
func FormatWalltime(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// VnodeAssignment is the share of one chunk placed on one vnode.
type VnodeAssignment struct {
	Vnode     string           `json:"vnode"`
	Host      string           `json:"host"`
	Resources map[string]int64 `json:"resources"` // consumable amounts
}

// Allocation is the fixed set of vnodes a running job holds.
type Allocation struct {
	Chunks    []VnodeAssignment `json:"chunks"`
	Exclusive bool              `json:"exclusive"`
}

// Clone returns a deep copy.
func (a Allocation) Clone() Allocation {
	out := Allocation{Exclusive: a.Exclusive, Chunks: make([]VnodeAssignment, len(a.Chunks))}
	for i, c := range a.Chunks {
		res := make(map[string]int64, len(c.Resources))
		for k, v := range c.Resources {
			res[k] = v
		}
		out.Chunks[i] = VnodeAssignment{Vnode: c.Vnode, Host: c.Host, Resources: res}
	}
	return out
}

// Hosts returns distinct hosts in chunk order; the first is the mother superior.
func (a Allocation) Hosts() []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, c := range a.Chunks {
		if !seen[c.Host] {
			seen[c.Host] = true
			hosts = append(hosts, c.Host)
		}
	}
	return hosts
}

// Vnodes returns distinct vnodes in chunk order.
func (a Allocation) Vnodes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range a.Chunks {
		if !seen[c.Vnode] {
			seen[c.Vnode] = true
			out = append(out, c.Vnode)
		}
	}
	return out
}

// VnodesOnHost returns the distinct vnodes of the allocation on host.
func (a Allocation) VnodesOnHost(host string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range a.Chunks {
		if c.Host == host && !seen[c.Vnode] {
			seen[c.Vnode] = true
			out = append(out, c.Vnode)
		}
	}
	return out
}

// ExecVnode renders the allocation as "(vn:ncpus=1)+(vn2:ncpus=2)".
func (a Allocation) ExecVnode() string {
	parts := make([]string, 0, len(a.Chunks))
	for _, c := range a.Chunks {
		keys := make([]string, 0, len(c.Resources))
		for k := range c.Resources {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("(" + c.Vnode)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(":%s=%d", k, c.Resources[k]))
		}
		b.WriteString(")")
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "+")
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// JobAnnotation is the scheduler's per-cycle verdict written onto a queued job.
type JobAnnotation struct {
	Comment        string
	BlockedBy      string
	EstimatedStart *time.Time
}
