package status

import (
	"context"
	"fmt"
	"sort"

	"loom/internal/jobstore"
	"loom/internal/stage"
	"loom/internal/workqueue"
)

// Reader answers status queries from the job store. It never writes.
type Reader struct {
	store   jobstore.Store
	queue   workqueue.Queue
	catalog *stage.Catalog
}

// NewReader builds a reader. queue and catalog are optional: without a
// queue Summary omits queue depth, and without a catalog views omit stages.
func NewReader(store jobstore.Store, queue workqueue.Queue, catalog *stage.Catalog) *Reader {
	return &Reader{store: store, queue: queue, catalog: catalog}
}

// Filter narrows List results.
type Filter struct {
	Statuses []string
	Limit    int
}

// Get returns the view of one job. Unknown ids yield jobstore.ErrNotFound.
func (r *Reader) Get(ctx context.Context, id string) (JobView, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return FromJob(job, r.registry(job.Variant)), nil
}

// List returns job views, newest first.
func (r *Reader) List(ctx context.Context, filter Filter) ([]JobView, error) {
	opts := jobstore.ListOptions{Limit: filter.Limit}
	for _, raw := range filter.Statuses {
		if status, ok := jobstore.ParseStatus(raw); ok {
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	jobs, err := r.store.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, FromJob(job, r.registry(job.Variant)))
	}
	return views, nil
}

// Summary counts jobs by status and, with a queue, reports queue depth.
func (r *Reader) Summary(ctx context.Context) (SummaryView, error) {
	stats, err := r.store.Stats(ctx)
	if err != nil {
		return SummaryView{}, err
	}
	view := SummaryView{
		Total:     stats.Total,
		Active:    stats.Active,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Counts:    make(map[string]int, len(stats.ByStatus)),
	}
	for status, count := range stats.ByStatus {
		view.Counts[string(status)] = count
	}
	if r.queue != nil {
		qs, err := r.queue.Stats(ctx)
		if err != nil {
			return view, fmt.Errorf("queue stats: %w", err)
		}
		view.Queue = &QueueView{Ready: qs.Ready, Invisible: qs.Invisible, DeadLetters: qs.DeadLetters}
	}
	return view, nil
}

// DeadLetters lists dead-lettered messages, newest first.
func (r *Reader) DeadLetters(ctx context.Context, limit int) ([]DeadLetterView, error) {
	if r.queue == nil {
		return nil, nil
	}
	entries, err := r.queue.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]DeadLetterView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, FromDeadLetter(entry))
	}
	return views, nil
}

// Variants describes every configured variant, default first.
func (r *Reader) Variants() []VariantView {
	if r.catalog == nil {
		return nil
	}
	names := r.catalog.Names()
	views := make([]VariantView, 0, len(names))
	for _, name := range names {
		registry, _ := r.catalog.Resolve(name)
		view := VariantView{Name: name, Default: name == r.catalog.DefaultName()}
		for _, def := range registry.Stages() {
			view.Stages = append(view.Stages, stageView(def))
		}
		views = append(views, view)
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].Default && !views[j].Default })
	return views
}

func (r *Reader) registry(variant string) *stage.Registry {
	if r.catalog == nil || variant == "" {
		return nil
	}
	registry, ok := r.catalog.Resolve(variant)
	if !ok {
		return nil
	}
	return registry
}
