// Package workflow implements the upload-and-classify state machine behind
// the analysis page: select an image, preview it, submit it and show the
// classification.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/medscan/internal/logging"
	"github.com/example/medscan/internal/media"
	"github.com/example/medscan/internal/prediction"
	"github.com/example/medscan/internal/preview"
)

// FileInfo describes the selected image without its bytes.
type FileInfo struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// Snapshot is a read-only copy of the workflow state.
type Snapshot struct {
	Stage   Stage
	File    *FileInfo
	Preview *preview.Handle
	Result  *prediction.Result
	Err     *Error
	Seq     uint64
}

// Outcome describes a settled submission. Stale submissions never produce
// an Outcome.
type Outcome struct {
	TaskID  string
	Image   media.Image
	Result  *prediction.Result
	Err     *Error
	Latency time.Duration
}

// Observer is notified after a submission settles.
type Observer interface {
	Settled(ctx context.Context, outcome Outcome)
}

// Options configures a Workflow.
type Options struct {
	Classifier prediction.Client
	Previews   preview.Store
	Logger     *zap.Logger
	Observer   Observer

	// Timeout bounds each classification request. Zero means no timeout.
	Timeout time.Duration
}

// Workflow is a single user's upload-and-classify state machine. All
// methods are safe for concurrent use; mutations are applied one at a time.
type Workflow struct {
	classifier prediction.Client
	previews   preview.Store
	logger     *zap.Logger
	observer   Observer
	timeout    time.Duration

	mu     sync.Mutex
	stage  Stage
	image  *media.Image
	handle *preview.Handle
	result *prediction.Result
	err    *Error
	seq    uint64
	task   *Task
	closed bool
}

// New constructs an idle workflow.
func New(opts Options) *Workflow {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		classifier: opts.Classifier,
		previews:   opts.Previews,
		logger:     logger.Named("workflow"),
		observer:   opts.Observer,
		timeout:    opts.Timeout,
		stage:      StageIdle,
	}
}

// SelectFile makes img the current selection and creates its preview. The
// previous preview is released first and any in-flight submission becomes
// stale. img must be a PNG or JPEG; anything else is refused with
// media.ErrInvalidFileType and leaves the workflow untouched.
func (w *Workflow) SelectFile(ctx context.Context, img media.Image) (preview.Handle, error) {
	if !media.Accepted(img.ContentType) {
		return preview.Handle{}, fmt.Errorf("%w: %s", media.ErrInvalidFileType, img.ContentType)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return preview.Handle{}, ErrClosed
	}

	w.invalidateLocked()
	w.releaseLocked(ctx)
	w.image, w.result, w.err = nil, nil, nil

	handle, err := w.previews.Create(ctx, img)
	if err != nil {
		w.stage = StageIdle
		wrapped := logging.NewOperationError("workflow.select_file", "", err)
		w.logger.Error("failed to create preview", zap.Error(wrapped), zap.String("file", img.Name))
		return preview.Handle{}, wrapped
	}

	w.image = &img
	w.handle = &handle
	w.stage = StageSelected
	w.logger.Debug("file selected", zap.String("file", img.Name), zap.String("preview_id", handle.ID))
	return handle, nil
}

// Submit sends the selected image for classification on a background task.
// Without a selection it returns ErrNoFileSelected; while a request is in
// flight it returns the pending task and ErrSubmitInFlight. Neither case
// changes state or performs I/O.
func (w *Workflow) Submit(ctx context.Context) (*Task, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.image == nil {
		return nil, ErrNoFileSelected
	}
	if w.stage == StageSubmitting {
		return w.task, ErrSubmitInFlight
	}

	w.seq++
	task := newTask(ctx, w.seq, w.timeout)
	w.task = task
	w.stage = StageSubmitting
	w.result, w.err = nil, nil

	logging.WithOperation(w.logger, "workflow.submit", task.ID).
		Info("submitting image", zap.String("file", w.image.Name), zap.Uint64("seq", task.Seq))

	go w.run(task, *w.image)
	return task, nil
}

// Reset returns to idle from any state. The preview is released and an
// in-flight submission is cancelled and made stale.
func (w *Workflow) Reset(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked(ctx)
}

// Close tears the workflow down. It behaves like Reset and then refuses
// new selections.
func (w *Workflow) Close(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked(ctx)
	w.closed = true
}

// Snapshot returns a copy of the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{Stage: w.stage, Seq: w.seq}
	if w.image != nil {
		s.File = &FileInfo{Name: w.image.Name, ContentType: w.image.ContentType, Size: w.image.Size()}
	}
	if w.handle != nil {
		h := *w.handle
		s.Preview = &h
	}
	if w.result != nil {
		r := *w.result
		s.Result = &r
	}
	if w.err != nil {
		e := *w.err
		s.Err = &e
	}
	return s
}

func (w *Workflow) run(task *Task, img media.Image) {
	defer close(task.done)
	defer task.cancel()

	start := time.Now()
	result, err := w.classifier.Classify(task.ctx, img)
	if err == nil && result == nil {
		err = prediction.Malformed(0, errors.New("empty result"))
	}

	outcome, applied := w.complete(task, result, err)
	if !applied {
		return
	}
	outcome.Image = img
	outcome.Latency = time.Since(start)
	if w.observer != nil {
		w.observer.Settled(context.WithoutCancel(task.ctx), outcome)
	}
}

func (w *Workflow) complete(task *Task, result *prediction.Result, err error) (Outcome, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	opLogger := logging.WithOperation(w.logger, "workflow.complete", task.ID)
	if task.Seq != w.seq || w.stage != StageSubmitting {
		task.stale.Store(true)
		opLogger.Debug("discarding stale completion", zap.Uint64("seq", task.Seq), zap.Uint64("current_seq", w.seq))
		return Outcome{}, false
	}

	w.task = nil
	outcome := Outcome{TaskID: task.ID}
	if err != nil {
		w.err = toWorkflowError(err)
		w.stage = StageError
		outcome.Err = w.err
		opLogger.Warn("classification failed", zap.Error(err), zap.String("kind", string(w.err.Kind)))
		return outcome, true
	}

	w.result = withDefaultDetails(result)
	w.stage = StageResults
	outcome.Result = w.result
	opLogger.Info("classification complete", zap.String("label", result.Label), zap.Float64("confidence", result.Confidence))
	return outcome, true
}

func (w *Workflow) resetLocked(ctx context.Context) {
	w.invalidateLocked()
	w.releaseLocked(ctx)
	w.image, w.result, w.err = nil, nil, nil
	w.stage = StageIdle
}

// invalidateLocked cancels the pending task and advances the staleness
// token so its completion is discarded.
func (w *Workflow) invalidateLocked() {
	if w.task != nil {
		w.task.cancel()
		w.task = nil
	}
	w.seq++
}

func (w *Workflow) releaseLocked(ctx context.Context) {
	if w.handle == nil {
		return
	}
	id := w.handle.ID
	w.handle = nil
	if err := w.previews.Release(context.WithoutCancel(ctx), id); err != nil {
		w.logger.Warn("failed to release preview", zap.String("preview_id", id), zap.Error(err))
	}
}
