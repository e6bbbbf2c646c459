package scheduler

import (
	"sort"
	"strings"

	"github.com/me/pbsched/internal/resource"
	"github.com/me/pbsched/pkg/model"
)

// pool is the free capacity placement works against. Consumable amounts
// are keyed by the vnode owning them after indirect resolution.
type pool struct {
	snap  *resource.Snapshot
	free  map[string]map[string]int64
	jobs  map[string]int
	excl  map[string]bool
	hosts map[string]string
}

func newPool(snap *resource.Snapshot, nodes []*model.Node, useUsage bool) *pool {
	p := &pool{
		snap:  snap,
		free:  make(map[string]map[string]int64),
		jobs:  make(map[string]int),
		excl:  make(map[string]bool),
		hosts: make(map[string]string, len(nodes)),
	}
	for owner, res := range snap.Total {
		m := make(map[string]int64, len(res))
		for r, amt := range res {
			m[r] = amt
			if useUsage {
				m[r] -= snap.Used[owner][r]
			}
		}
		p.free[owner] = m
	}
	for _, n := range nodes {
		p.hosts[n.ID] = n.Host
		if useUsage {
			p.jobs[n.ID] = len(n.Jobs)
			p.excl[n.ID] = n.State == model.NodeStateJobExclusive
		}
	}
	return p
}

func (p *pool) clone() *pool {
	c := &pool{
		snap:  p.snap,
		free:  make(map[string]map[string]int64, len(p.free)),
		jobs:  make(map[string]int, len(p.jobs)),
		excl:  make(map[string]bool, len(p.excl)),
		hosts: p.hosts,
	}
	for owner, res := range p.free {
		m := make(map[string]int64, len(res))
		for r, amt := range res {
			m[r] = amt
		}
		c.free[owner] = m
	}
	for k, v := range p.jobs {
		c.jobs[k] = v
	}
	for k, v := range p.excl {
		c.excl[k] = v
	}
	return c
}

func (p *pool) owner(vnode, res string) string {
	if o, ok := p.snap.Owners[vnode][res]; ok {
		return o
	}
	return vnode
}

// charge books an allocation against the pool.
func (p *pool) charge(a model.Allocation) {
	p.apply(a, 1)
}

// uncharge returns an allocation's resources to the pool.
func (p *pool) uncharge(a model.Allocation) {
	p.apply(a, -1)
}

func (p *pool) apply(a model.Allocation, sign int64) {
	for _, c := range a.Chunks {
		for res, amt := range c.Resources {
			o := p.owner(c.Vnode, res)
			if p.free[o] == nil {
				p.free[o] = make(map[string]int64)
			}
			p.free[o][res] -= sign * amt
		}
	}
	for _, v := range a.Vnodes() {
		p.jobs[v] += int(sign)
		if p.jobs[v] <= 0 {
			p.jobs[v] = 0
			p.excl[v] = false
		} else if sign > 0 && a.Exclusive {
			p.excl[v] = true
		}
	}
}

// fits reports whether a fixed allocation can be booked on the pool.
func (p *pool) fits(a model.Allocation) bool {
	need := make(map[string]map[string]int64)
	for _, c := range a.Chunks {
		for res, amt := range c.Resources {
			o := p.owner(c.Vnode, res)
			if need[o] == nil {
				need[o] = make(map[string]int64)
			}
			need[o][res] += amt
		}
	}
	for o, res := range need {
		for r, amt := range res {
			if p.free[o][r] < amt {
				return false
			}
		}
	}
	for _, v := range a.Vnodes() {
		if p.excl[v] || (a.Exclusive && p.jobs[v] > 0) {
			return false
		}
	}
	return true
}

// chunkReq is one chunk instance's requirements.
type chunkReq struct {
	consume map[string]int64
	match   map[string]model.ResourceValue
	host    string
	vnode   string
	keys    []string
}

func buildReqs(sel model.Select, defs map[string]model.ResourceDef) ([]chunkReq, string) {
	var out []chunkReq
	for _, c := range sel {
		req := chunkReq{consume: map[string]int64{}, match: map[string]model.ResourceValue{}}
		for k, raw := range c.Resources {
			req.keys = append(req.keys, k)
			switch k {
			case "host":
				req.host = raw
				continue
			case "vnode":
				req.vnode = raw
				continue
			}
			def, ok := defs[k]
			if !ok {
				return nil, k
			}
			v, err := model.ParseResourceValue(def, raw)
			if err != nil || v.IsIndirect() {
				return nil, k
			}
			if def.Consumable() {
				req.consume[k] = v.Amount
			} else {
				req.match[k] = v
			}
		}
		sort.Strings(req.keys)
		for i := 0; i < c.Count; i++ {
			out = append(out, req)
		}
	}
	return out, ""
}

// matches checks the non-consumable constraints of req on vnode n.
func (p *pool) matches(req chunkReq, n *model.Node) bool {
	if req.host != "" && req.host != n.Host {
		return false
	}
	if req.vnode != "" && req.vnode != n.ID {
		return false
	}
	vals := p.snap.Values[n.ID]
	for k, want := range req.match {
		have, ok := vals[k]
		if !ok {
			return false
		}
		switch want.Type {
		case model.ResourceBoolean:
			if have.Bool != want.Bool {
				return false
			}
		case model.ResourceString:
			if !strings.EqualFold(have.Str, want.Str) {
				return false
			}
		default:
			if have.Amount < want.Amount {
				return false
			}
		}
	}
	return true
}

// fitsChunk reports whether req fits on vnode n against the pool as it stands.
func (p *pool) fitsChunk(req chunkReq, n *model.Node, exclusive bool) bool {
	if p.excl[n.ID] || (exclusive && p.jobs[n.ID] > 0) {
		return false
	}
	if !p.matches(req, n) {
		return false
	}
	for res, amt := range req.consume {
		if amt == 0 {
			continue
		}
		if _, has := p.snap.Values[n.ID][res]; !has {
			return false
		}
		if p.free[p.owner(n.ID, res)][res] < amt {
			return false
		}
	}
	return true
}

func (p *pool) take(req chunkReq, n *model.Node) model.VnodeAssignment {
	res := make(map[string]int64, len(req.consume))
	for r, amt := range req.consume {
		if amt == 0 {
			continue
		}
		res[r] = amt
		p.free[p.owner(n.ID, r)][r] -= amt
	}
	return model.VnodeAssignment{Vnode: n.ID, Host: n.Host, Resources: res}
}

// place finds vnodes for every chunk instance of j among cands. On
// failure it names the resource that could not be satisfied. The pool is
// not modified.
func (p *pool) place(j *model.Job, cands []*model.Node) (model.Allocation, string, bool) {
	reqs, bad := buildReqs(j.Select, p.snap.Defs)
	if bad != "" {
		return model.Allocation{}, bad, false
	}
	exclusive := j.Place.Exclusive()

	if j.Place.Sharing == model.SharingExclHost {
		cands = p.freeHosts(cands)
	}

	var alloc model.Allocation
	var ok bool
	switch j.Place.Arrangement {
	case model.ArrangePack:
		for _, host := range hostOrder(cands) {
			trial := p.clone()
			alloc, ok = trial.firstFit(reqs, onHost(cands, host), exclusive, nil)
			if ok {
				break
			}
		}
	case model.ArrangeScatter:
		alloc, ok = p.clone().firstFit(reqs, cands, exclusive, func(n *model.Node, used map[string]bool, usedHosts map[string]bool) bool {
			return !usedHosts[n.Host]
		})
	case model.ArrangeVScatter:
		alloc, ok = p.clone().firstFit(reqs, cands, exclusive, func(n *model.Node, used map[string]bool, usedHosts map[string]bool) bool {
			return !used[n.ID]
		})
	default:
		alloc, ok = p.clone().firstFit(reqs, cands, exclusive, nil)
	}
	if !ok {
		return model.Allocation{}, p.shortResource(reqs, cands, exclusive), false
	}
	alloc.Exclusive = exclusive
	if j.Place.Sharing == model.SharingExclHost {
		alloc = p.withHostSiblings(alloc, cands)
	}
	return alloc, "", true
}

type spreadFunc func(n *model.Node, used, usedHosts map[string]bool) bool

// firstFit places each chunk instance on the first candidate it fits,
// booking as it goes. The receiver must be a scratch copy.
func (p *pool) firstFit(reqs []chunkReq, cands []*model.Node, exclusive bool, spread spreadFunc) (model.Allocation, bool) {
	var alloc model.Allocation
	used := make(map[string]bool)
	usedHosts := make(map[string]bool)
	for _, req := range reqs {
		placed := false
		for _, n := range cands {
			if spread != nil && !spread(n, used, usedHosts) {
				continue
			}
			// A job's own earlier chunks do not make a vnode non-exclusive.
			ex := exclusive && !used[n.ID]
			if !p.fitsChunk(req, n, ex) {
				continue
			}
			alloc.Chunks = append(alloc.Chunks, p.take(req, n))
			used[n.ID] = true
			usedHosts[n.Host] = true
			placed = true
			break
		}
		if !placed {
			return model.Allocation{}, false
		}
	}
	return alloc, true
}

// shortResource names the resource to report when placement fails.
func (p *pool) shortResource(reqs []chunkReq, cands []*model.Node, exclusive bool) string {
	for _, req := range reqs {
		fitsSomewhere := false
		for _, n := range cands {
			if p.fitsChunk(req, n, exclusive) {
				fitsSomewhere = true
				break
			}
		}
		if fitsSomewhere {
			continue
		}
		if req.host != "" && !anyHost(cands, req.host) {
			return "host"
		}
		if req.vnode != "" && !anyVnode(cands, req.vnode) {
			return "vnode"
		}
		for _, k := range req.keys {
			amt, consumable := req.consume[k]
			if !consumable {
				continue
			}
			enough := false
			for _, n := range cands {
				if p.matches(req, n) && p.free[p.owner(n.ID, k)][k] >= amt {
					if _, has := p.snap.Values[n.ID][k]; has {
						enough = true
						break
					}
				}
			}
			if !enough {
				return k
			}
		}
		for _, k := range req.keys {
			if _, ok := req.match[k]; ok {
				return k
			}
		}
		if len(req.keys) > 0 {
			return req.keys[0]
		}
	}
	return "ncpus"
}

// freeHosts keeps the vnodes of hosts with no job on any of their vnodes.
func (p *pool) freeHosts(cands []*model.Node) []*model.Node {
	busy := make(map[string]bool)
	for v, n := range p.jobs {
		if n > 0 {
			busy[p.hosts[v]] = true
		}
	}
	var out []*model.Node
	for _, n := range cands {
		if !busy[n.Host] {
			out = append(out, n)
		}
	}
	return out
}

// withHostSiblings adds zero-resource assignments for the remaining vnodes
// of every host an exclhost job lands on, so they are held exclusively.
func (p *pool) withHostSiblings(a model.Allocation, cands []*model.Node) model.Allocation {
	have := make(map[string]bool)
	hosts := make(map[string]bool)
	for _, c := range a.Chunks {
		have[c.Vnode] = true
		hosts[c.Host] = true
	}
	for _, n := range cands {
		if hosts[n.Host] && !have[n.ID] {
			a.Chunks = append(a.Chunks, model.VnodeAssignment{Vnode: n.ID, Host: n.Host, Resources: map[string]int64{}})
			have[n.ID] = true
		}
	}
	return a
}

func hostOrder(nodes []*model.Node) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range nodes {
		if !seen[n.Host] {
			seen[n.Host] = true
			out = append(out, n.Host)
		}
	}
	return out
}

func onHost(nodes []*model.Node, host string) []*model.Node {
	var out []*model.Node
	for _, n := range nodes {
		if n.Host == host {
			out = append(out, n)
		}
	}
	return out
}

func anyHost(nodes []*model.Node, host string) bool {
	for _, n := range nodes {
		if n.Host == host {
			return true
		}
	}
	return false
}

func anyVnode(nodes []*model.Node, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}
