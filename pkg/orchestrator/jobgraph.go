package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

type idSet map[string]struct{}

func (s idSet) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// JobGraph owns every job of a study. Jobs live in an arena keyed by id and
// each id is a member of exactly one of ready, executing, completed or
// failed. All membership changes go through move.
//
// JobGraph is not safe for concurrent use; the owning study's mutex guards it.
type JobGraph struct {
	jobs       map[string]*contracts.Job
	order      map[string]int // insertion order, tie-breaker for equal priority
	dependents map[string][]string

	ready     idSet
	executing idSet
	completed idSet
	failed    idSet
}

func newJobGraph() *JobGraph {
	return &JobGraph{
		jobs:       make(map[string]*contracts.Job),
		order:      make(map[string]int),
		dependents: make(map[string][]string),
		ready:      make(idSet),
		executing:  make(idSet),
		completed:  make(idSet),
		failed:     make(idSet),
	}
}

// JobID returns the deterministic id of a cell. Determinism lets a restarted
// process rebuild the graph from the manifest and apply a checkpoint.
func JobID(studyID string, queryIndex int, surfaceID, locationID string) string {
	return fmt.Sprintf("%s/q%d/%s/%s", studyID, queryIndex, surfaceID, locationID)
}

// BuildJobGraph creates one pending job per query × surface × location cell.
func BuildJobGraph(studyID string, m *contracts.Manifest) *JobGraph {
	g := newJobGraph()
	maxAttempts := m.CompletionCriteria.MaxRetriesPerCell + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for qi, q := range m.Queries {
		for _, s := range m.Surfaces {
			required := m.IsRequiredSurface(s.ID)
			priority := contracts.PriorityNormal
			if required {
				priority = contracts.PriorityHigh
			}
			for _, l := range m.Locations {
				g.add(&contracts.Job{
					ID:              JobID(studyID, qi, s.ID, l.ID),
					StudyID:         studyID,
					QueryIndex:      qi,
					QueryText:       q.Text,
					SurfaceID:       s.ID,
					LocationID:      l.ID,
					Status:          contracts.JobPending,
					Priority:        priority,
					MaxAttempts:     maxAttempts,
					RequiredSurface: required,
				})
			}
		}
	}
	return g
}

func (g *JobGraph) add(job *contracts.Job) {
	g.order[job.ID] = len(g.order)
	g.jobs[job.ID] = job
	g.ready[job.ID] = struct{}{}
}

// AddDependency makes jobID wait until dependsOn has completed.
func (g *JobGraph) AddDependency(jobID, dependsOn string) error {
	job, ok := g.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if _, ok := g.jobs[dependsOn]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, dependsOn)
	}
	if jobID == dependsOn || g.reachable(dependsOn, jobID) {
		return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, jobID, dependsOn)
	}
	for _, d := range job.DependsOn {
		if d == dependsOn {
			return nil
		}
	}
	job.DependsOn = append(job.DependsOn, dependsOn)
	g.dependents[dependsOn] = append(g.dependents[dependsOn], jobID)
	return nil
}

// reachable reports whether to is reachable from from via DependsOn edges.
func (g *JobGraph) reachable(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.jobs[id].DependsOn...)
	}
	return false
}

func (g *JobGraph) setFor(status contracts.JobStatus) idSet {
	switch status {
	case contracts.JobExecuting:
		return g.executing
	case contracts.JobCompleted:
		return g.completed
	case contracts.JobFailed:
		return g.failed
	default:
		return g.ready
	}
}

// move is the only place set membership changes.
func (g *JobGraph) move(id string, to contracts.JobStatus) {
	job := g.jobs[id]
	delete(g.setFor(job.Status), id)
	job.Status = to
	g.setFor(to)[id] = struct{}{}
}

// Job returns the live job record.
func (g *JobGraph) Job(id string) (*contracts.Job, bool) {
	j, ok := g.jobs[id]
	return j, ok
}

// Len is the number of jobs in the graph.
func (g *JobGraph) Len() int { return len(g.jobs) }

// Settled reports whether no work is ready or in flight.
func (g *JobGraph) Settled() bool {
	return len(g.ready) == 0 && len(g.executing) == 0
}

// eligible lists ready jobs whose dependencies are complete and whose
// backoff window has passed, ordered by priority then insertion order.
func (g *JobGraph) eligible(now time.Time) []*contracts.Job {
	out := make([]*contracts.Job, 0, len(g.ready))
	for id := range g.ready {
		job := g.jobs[id]
		if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
			continue
		}
		if !g.depsComplete(job) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return g.order[out[i].ID] < g.order[out[j].ID]
	})
	return out
}

func (g *JobGraph) depsComplete(job *contracts.Job) bool {
	for _, dep := range job.DependsOn {
		if _, ok := g.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// failDependents moves every ready job that transitively depends on id to
// the failed set. Those jobs can never become eligible.
func (g *JobGraph) failDependents(id string) []string {
	var failed []string
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if _, ok := g.ready[dep]; !ok {
			continue
		}
		job := g.jobs[dep]
		job.LastError = "dependency failed: " + id
		g.move(dep, contracts.JobFailed)
		failed = append(failed, dep)
		queue = append(queue, g.dependents[dep]...)
	}
	return failed
}

// Membership is a copy of the four partition sets, each sorted.
type Membership struct {
	Ready     []string
	Executing []string
	Completed []string
	Failed    []string
}

// Membership snapshots the partition.
func (g *JobGraph) Membership() Membership {
	return Membership{
		Ready:     g.ready.sorted(),
		Executing: g.executing.sorted(),
		Completed: g.completed.sorted(),
		Failed:    g.failed.sorted(),
	}
}

// restore resets membership to the given completed and failed ids; every
// other job goes back to pending with its backoff cleared. It returns how
// many jobs were executing before the reset.
func (g *JobGraph) restore(completed, failed []string) int {
	wasExecuting := len(g.executing)
	done := make(idSet, len(completed))
	for _, id := range completed {
		done[id] = struct{}{}
	}
	lost := make(idSet, len(failed))
	for _, id := range failed {
		lost[id] = struct{}{}
	}

	g.ready = make(idSet)
	g.executing = make(idSet)
	g.completed = make(idSet)
	g.failed = make(idSet)
	for id, job := range g.jobs {
		switch {
		case has(done, id):
			job.Status = contracts.JobCompleted
		case has(lost, id):
			job.Status = contracts.JobFailed
		default:
			job.Status = contracts.JobPending
			job.NextAttemptAt = nil
		}
		g.setFor(job.Status)[id] = struct{}{}
	}
	return wasExecuting
}

func has(s idSet, id string) bool {
	_, ok := s[id]
	return ok
}

// progress recomputes aggregate counters from the arena.
func (g *JobGraph) progress(now time.Time) contracts.Progress {
	p := contracts.Progress{
		Total:     len(g.jobs),
		Pending:   len(g.ready),
		Executing: len(g.executing),
		Completed: len(g.completed),
		Failed:    len(g.failed),
		BySurface: make(map[string]contracts.SurfaceProgress),
		UpdatedAt: now,
	}
	for _, job := range g.jobs {
		sp := p.BySurface[job.SurfaceID]
		sp.Total++
		switch job.Status {
		case contracts.JobCompleted:
			sp.Completed++
		case contracts.JobFailed:
			sp.Failed++
		}
		p.BySurface[job.SurfaceID] = sp
	}
	if p.Total > 0 {
		p.PercentComplete = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return p
}
