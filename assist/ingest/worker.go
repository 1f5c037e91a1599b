package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gemdesk/gemdesk/jobs"
)

// Task types the worker claims from the queue.
const (
	TaskImportArticles = "import_articles"
	TaskImportProducts = "import_products"
)

// TaskPayload is the JSON payload of an import task: a file path relative
// to the ingest base directory.
type TaskPayload struct {
	Path string `json:"path"`
}

// Worker polls the job queue and executes import tasks in-process.
type Worker struct {
	svc      *Service
	queue    *jobs.Queue
	interval time.Duration
}

// NewWorker creates a worker polling every interval (default 5s).
func NewWorker(svc *Service, queue *jobs.Queue, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{svc: svc, queue: queue, interval: interval}
}

// Start runs the poll loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and runs pending tasks until the queue is empty.
func (w *Worker) drain(ctx context.Context) {
	for _, taskType := range []string{TaskImportArticles, TaskImportProducts} {
		for {
			task, err := w.queue.Poll(ctx, taskType)
			if err != nil {
				w.svc.logger.Warn("ingest worker poll", "type", taskType, "error", err)
				break
			}
			if task == nil {
				break
			}
			w.run(ctx, task)
		}
	}
}

func (w *Worker) run(ctx context.Context, task *jobs.Task) {
	var p TaskPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil || p.Path == "" {
		_ = w.queue.Fail(ctx, task.ID, "invalid payload: expected {\"path\": ...}")
		return
	}

	progress := func(done, total int) {
		if total > 0 {
			_ = w.queue.SetProgress(ctx, task.ID, done*100/total)
		}
	}

	var err error
	switch task.Type {
	case TaskImportArticles:
		_, err = w.svc.ImportArticleFile(ctx, p.Path, progress)
	case TaskImportProducts:
		_, err = w.svc.ImportProductFile(ctx, p.Path, progress)
	}
	if err != nil {
		w.svc.logger.Warn("ingest task failed", "task_id", task.ID, "error", err)
		_ = w.queue.Fail(ctx, task.ID, err.Error())
		return
	}
	_ = w.queue.Complete(ctx, task.ID)
	w.svc.logger.Info("ingest task completed", "task_id", task.ID, "type", task.Type)
}
