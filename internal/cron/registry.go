package cron

import (
	"context"
	"fmt"
	"strings"
)

// Job is one maintenance task run by the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds jobs in registration order. Names are unique so metrics and
// the -jobs selector can address a job unambiguously.
type Registry struct {
	jobs  []Job
	names map[string]struct{}
}

func NewRegistry(jobs ...Job) (*Registry, error) {
	registry := &Registry{names: map[string]struct{}{}}
	for _, job := range jobs {
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *Registry) Register(job Job) error {
	if job == nil {
		return fmt.Errorf("nil job")
	}
	name := job.Name()
	if _, dup := r.names[name]; dup {
		return fmt.Errorf("job %q registered twice", name)
	}
	r.names[name] = struct{}{}
	r.jobs = append(r.jobs, job)
	return nil
}

// Jobs returns a copy of the registered jobs in order.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

// Select narrows the registry to the named jobs, keeping registration order.
// An empty selection keeps everything.
func (r *Registry) Select(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	wanted := map[string]struct{}{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := r.names[name]; !ok {
			return nil, fmt.Errorf("unknown job %q", name)
		}
		wanted[name] = struct{}{}
	}
	out := &Registry{names: map[string]struct{}{}}
	for _, job := range r.jobs {
		if _, ok := wanted[job.Name()]; ok {
			_ = out.Register(job)
		}
	}
	return out, nil
}
