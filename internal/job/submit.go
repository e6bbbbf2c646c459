package job

import (
	"context"
	"fmt"
	"strings"

	"github.com/me/pbsched/pkg/model"
)

// SubmitRequest is a job submission as accepted by the management surface.
type SubmitRequest struct {
	Name      string            `json:"name"`
	Owner     string            `json:"owner"`
	Queue     string            `json:"queue,omitempty"`
	Select    string            `json:"select,omitempty"`
	Place     string            `json:"place,omitempty"`
	Resources map[string]string `json:"resources,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	Hold      bool              `json:"hold,omitempty"`
}

// Submit validates a request and creates a job in Queued, or Held when
// the user asked for a hold or no vnode could ever satisfy the request.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	attrs := c.attrs()
	qname := req.Queue
	if qname == "" {
		qname = attrs.DefaultQueue
	}
	q, ok := c.queues.Queue(qname)
	if !ok {
		return nil, model.NewValidationError(fmt.Sprintf("unknown queue %s", qname),
			model.FieldError{Field: "queue", Message: "queue does not exist"})
	}
	if q.Type != model.QueueExecution {
		return nil, model.NewValidationError(fmt.Sprintf("queue %s is not an execution queue", qname))
	}
	if !q.Enabled {
		return nil, model.NewValidationError(fmt.Sprintf("queue %s is not enabled", qname))
	}

	j := &model.Job{
		Name:      req.Name,
		Owner:     req.Owner,
		Queue:     qname,
		State:     model.JobStateQueued,
		Priority:  req.Priority,
		Hold:      req.Hold,
		Resources: make(map[string]string),
	}
	if j.Name == "" {
		j.Name = "STDIN"
	}
	if err := c.parseResources(j, req); err != nil {
		return nil, err
	}

	if rep := c.hooks.FireServer(ctx, model.HookEventQueuejob, j); !rep.Accepted() {
		msg := rep.Message()
		if msg == "" {
			msg = "request rejected by queuejob hook"
		}
		return nil, model.NewValidationError(msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	j.Seq = c.seq
	j.ID = fmt.Sprintf("%d.%s", j.Seq, attrs.Name)
	j.SubmittedAt = c.now()

	held := ""
	switch {
	case req.Hold:
		held = HeldReasonUser
	case c.feasible != nil:
		if _, never := c.feasible.NeverRuns(j); never {
			held = CommentNeverSatisfied
		}
	}
	c.saveLocked(ctx, j)
	c.emit(j, model.RecordSubmitted, "", j.Select.String())
	if held != "" {
		j.State = model.JobStateHeld
		j.HeldReason = held
		if held == CommentNeverSatisfied {
			j.Comment = held
		}
		c.saveLocked(ctx, j)
		c.emit(j, model.RecordHeld, "", held)
		return j, nil
	}
	c.kickLocked()
	return j, nil
}

// parseResources fills in select, place, walltime and job-wide resources.
// Without a select, one chunk is built from the host-level job-wide
// resources. Every chunk requests one cpu unless it says otherwise.
func (c *Controller) parseResources(j *model.Job, req SubmitRequest) error {
	for _, k := range sortedKeys(req.Resources) {
		raw := req.Resources[k]
		def, ok := c.resources.Def(k)
		if !ok {
			return model.NewValidationError(fmt.Sprintf("Unknown resource %s", k),
				model.FieldError{Field: "resources." + k, Message: "resource is not declared"})
		}
		if k == "walltime" {
			d, err := model.ParseWalltime(raw)
			if err != nil {
				return model.NewValidationError(err.Error(), model.FieldError{Field: "resources.walltime", Message: err.Error()})
			}
			j.Walltime = d
		} else if _, err := model.ParseResourceValue(def, raw); err != nil || strings.HasPrefix(raw, model.IndirectPrefix) {
			return model.NewValidationError(fmt.Sprintf("Illegal attribute or resource value for %s", k),
				model.FieldError{Field: "resources." + k, Message: raw})
		}
		j.Resources[k] = raw
	}

	if strings.TrimSpace(req.Select) == "" {
		chunk := model.Chunk{Count: 1, Resources: map[string]string{}}
		for k, v := range j.Resources {
			if def, _ := c.resources.Def(k); def.HostLevel() {
				chunk.Resources[k] = v
			}
		}
		j.Select = model.Select{chunk}
	} else {
		sel, err := model.ParseSelect(req.Select)
		if err != nil {
			return model.NewValidationError(err.Error(), model.FieldError{Field: "select", Message: err.Error()})
		}
		j.Select = sel
	}
	for i := range j.Select {
		ch := &j.Select[i]
		for _, k := range sortedKeys(ch.Resources) {
			def, ok := c.resources.Def(k)
			if !ok {
				return model.NewValidationError(fmt.Sprintf("Unknown resource %s", k),
					model.FieldError{Field: "select", Message: "resource is not declared"})
			}
			if !def.HostLevel() {
				return model.NewValidationError(fmt.Sprintf("Resource %s is not valid in a select chunk", k),
					model.FieldError{Field: "select", Message: "not a host-level resource"})
			}
			raw := ch.Resources[k]
			if _, err := model.ParseResourceValue(def, raw); err != nil || strings.HasPrefix(raw, model.IndirectPrefix) {
				return model.NewValidationError(fmt.Sprintf("Illegal attribute or resource value for %s", k),
					model.FieldError{Field: "select", Message: raw})
			}
		}
		if _, ok := ch.Resources["ncpus"]; !ok {
			ch.Resources["ncpus"] = "1"
		}
	}

	place, err := model.ParsePlace(req.Place)
	if err != nil {
		return model.NewValidationError(err.Error(), model.FieldError{Field: "place", Message: err.Error()})
	}
	j.Place = place
	return nil
}
