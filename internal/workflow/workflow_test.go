package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/medscan/internal/media"
	"github.com/example/medscan/internal/prediction"
	"github.com/example/medscan/internal/preview"
)

type reply struct {
	result *prediction.Result
	err    error
}

// gatedClassifier blocks every call until a reply is sent. It ignores
// cancellation unless honorCancel is set, so tests can deliver a response
// after the workflow has moved on.
type gatedClassifier struct {
	calls       int32
	honorCancel bool
	replies     chan reply
	started     chan struct{}
	cancelled   chan struct{}
}

func newGatedClassifier() *gatedClassifier {
	return &gatedClassifier{
		replies:   make(chan reply, 1),
		started:   make(chan struct{}, 16),
		cancelled: make(chan struct{}, 16),
	}
}

func (g *gatedClassifier) Classify(ctx context.Context, img media.Image) (*prediction.Result, error) {
	atomic.AddInt32(&g.calls, 1)
	select {
	case g.started <- struct{}{}:
	default:
	}
	if g.honorCancel {
		select {
		case r := <-g.replies:
			return r.result, r.err
		case <-ctx.Done():
			select {
			case g.cancelled <- struct{}{}:
			default:
			}
			return nil, prediction.NetworkFailure(ctx.Err())
		}
	}
	r := <-g.replies
	return r.result, r.err
}

func (g *gatedClassifier) Calls() int {
	return int(atomic.LoadInt32(&g.calls))
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingObserver) Settled(ctx context.Context, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

type failingStore struct {
	*preview.MemoryStore
}

func (failingStore) Create(ctx context.Context, img media.Image) (preview.Handle, error) {
	return preview.Handle{}, errors.New("disk full")
}

var (
	scanPNG = media.Image{Name: "scan.png", ContentType: media.TypePNG, Data: []byte("\x89PNG\r\n\x1a\nscan")}
	chestJP = media.Image{Name: "chest.jpg", ContentType: media.TypeJPEG, Data: []byte{0xFF, 0xD8, 0xFF, 0xE0}}
	animGIF = media.Image{Name: "scan.gif", ContentType: "image/gif", Data: []byte("GIF89a")}
)

func newTestWorkflow(t *testing.T) (*Workflow, *gatedClassifier, *preview.MemoryStore, *recordingObserver) {
	t.Helper()
	classifier := newGatedClassifier()
	store := preview.NewMemoryStore()
	observer := &recordingObserver{}
	wf := New(Options{Classifier: classifier, Previews: store, Logger: zap.NewNop(), Observer: observer})
	return wf, classifier, store, observer
}

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not settle in time")
	}
}

func waitStarted(t *testing.T, c *gatedClassifier) {
	t.Helper()
	select {
	case <-c.started:
	case <-time.After(2 * time.Second):
		t.Fatal("classifier was not called in time")
	}
}

func TestSuccessfulClassificationScenario(t *testing.T) {
	ctx := context.Background()
	wf, classifier, store, observer := newTestWorkflow(t)

	handle, err := wf.SelectFile(ctx, scanPNG)
	if err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	snap := wf.Snapshot()
	if snap.Stage != StageSelected || snap.Preview == nil || snap.Preview.ID != handle.ID {
		t.Fatalf("expected selected stage with preview, got %+v", snap)
	}
	if snap.File == nil || snap.File.Name != "scan.png" {
		t.Fatalf("unexpected file info: %+v", snap.File)
	}

	task, err := wf.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if got := wf.Snapshot().Stage; got != StageSubmitting {
		t.Fatalf("expected submitting, got %s", got)
	}

	classifier.replies <- reply{result: &prediction.Result{Label: "Pneumonia", Confidence: 92.3}}
	waitTask(t, task)

	snap = wf.Snapshot()
	if snap.Stage != StageResults {
		t.Fatalf("expected results, got %s", snap.Stage)
	}
	if snap.Result == nil || snap.Result.Label != "Pneumonia" {
		t.Fatalf("unexpected result: %+v", snap.Result)
	}
	if got := FormatConfidence(snap.Result.Confidence); got != "92.3%" {
		t.Fatalf("expected 92.3%%, got %s", got)
	}
	if snap.Result.Details == nil || snap.Result.Details.Severity != defaultSeverity || len(snap.Result.Details.Recommendations) != 3 {
		t.Fatalf("expected default details, got %+v", snap.Result.Details)
	}
	if snap.Err != nil {
		t.Fatalf("expected no error, got %+v", snap.Err)
	}
	if observer.Len() != 1 {
		t.Fatalf("expected one settled outcome, got %d", observer.Len())
	}

	wf.Reset(ctx)
	snap = wf.Snapshot()
	if snap.Stage != StageIdle || snap.Preview != nil || snap.Result != nil || snap.File != nil || snap.Err != nil {
		t.Fatalf("expected clean idle state, got %+v", snap)
	}
	if store.Live() != 0 {
		t.Fatalf("expected preview to be released, %d live", store.Live())
	}
}

func TestServerRejectionScenario(t *testing.T) {
	ctx := context.Background()
	wf, classifier, _, observer := newTestWorkflow(t)

	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	task, err := wf.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	classifier.replies <- reply{err: prediction.Rejected(500, "model unavailable")}
	waitTask(t, task)

	snap := wf.Snapshot()
	if snap.Stage != StageError {
		t.Fatalf("expected error stage, got %s", snap.Stage)
	}
	if snap.Err == nil || snap.Err.Message != "model unavailable" || snap.Err.Kind != KindServerRejected {
		t.Fatalf("unexpected workflow error: %+v", snap.Err)
	}
	if snap.Result != nil {
		t.Fatalf("expected no result, got %+v", snap.Result)
	}
	if snap.Preview == nil {
		t.Fatal("expected preview to survive a failed submission")
	}
	if observer.Len() != 1 {
		t.Fatalf("expected one settled outcome, got %d", observer.Len())
	}
}

func TestFailureKindsSurfaceAsWorkflowErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    ErrorKind
		wantMessage string
	}{
		{name: "network", err: prediction.NetworkFailure(errors.New("connection refused")), wantKind: KindNetworkFailure, wantMessage: prediction.DefaultFailureMessage},
		{name: "malformed", err: prediction.Malformed(200, errors.New("bad json")), wantKind: KindMalformedResponse},
		{name: "rejected without message", err: prediction.Rejected(502, ""), wantKind: KindServerRejected, wantMessage: prediction.DefaultFailureMessage},
		{name: "foreign error", err: errors.New("boom"), wantKind: KindNetworkFailure, wantMessage: prediction.DefaultFailureMessage},
		{name: "nil result", err: nil, wantKind: KindMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			wf, classifier, _, _ := newTestWorkflow(t)
			if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
				t.Fatalf("SelectFile error: %v", err)
			}
			task, err := wf.Submit(ctx)
			if err != nil {
				t.Fatalf("Submit error: %v", err)
			}
			classifier.replies <- reply{err: tt.err}
			waitTask(t, task)

			snap := wf.Snapshot()
			if snap.Stage != StageError || snap.Err == nil {
				t.Fatalf("expected error stage, got %+v", snap)
			}
			if snap.Err.Kind != tt.wantKind {
				t.Fatalf("expected kind %s, got %s", tt.wantKind, snap.Err.Kind)
			}
			if tt.wantMessage != "" && snap.Err.Message != tt.wantMessage {
				t.Fatalf("expected message %q, got %q", tt.wantMessage, snap.Err.Message)
			}
			if snap.Err.Message == "" {
				t.Fatal("expected a displayable message")
			}
		})
	}
}

func TestSubmitWithoutSelectionIsNoop(t *testing.T) {
	wf, classifier, _, _ := newTestWorkflow(t)
	before := wf.Snapshot()

	task, err := wf.Submit(context.Background())
	if !errors.Is(err, ErrNoFileSelected) {
		t.Fatalf("expected ErrNoFileSelected, got %v", err)
	}
	if task != nil {
		t.Fatal("expected no task")
	}
	after := wf.Snapshot()
	if after.Stage != StageIdle || after.Seq != before.Seq || after.Err != nil {
		t.Fatalf("expected unchanged idle state, got %+v", after)
	}
	if classifier.Calls() != 0 {
		t.Fatalf("expected no network call, got %d", classifier.Calls())
	}
}

func TestDuplicateSubmitIsIgnoredWhileInFlight(t *testing.T) {
	ctx := context.Background()
	wf, classifier, _, _ := newTestWorkflow(t)
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}

	first, err := wf.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	second, err := wf.Submit(ctx)
	if !errors.Is(err, ErrSubmitInFlight) {
		t.Fatalf("expected ErrSubmitInFlight, got %v", err)
	}
	if second != first {
		t.Fatal("expected the pending task to be returned")
	}

	waitStarted(t, classifier)
	classifier.replies <- reply{result: &prediction.Result{Label: "Normal case", Confidence: 99}}
	waitTask(t, first)

	if classifier.Calls() != 1 {
		t.Fatalf("expected exactly one network call, got %d", classifier.Calls())
	}
}

func TestConcurrentSubmitsProduceOneRequest(t *testing.T) {
	ctx := context.Background()
	wf, classifier, _, _ := newTestWorkflow(t)
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}

	var (
		wg      sync.WaitGroup
		started int32
	)
	tasks := make(chan *Task, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := wf.Submit(ctx)
			if err == nil {
				atomic.AddInt32(&started, 1)
			}
			tasks <- task
		}()
	}
	wg.Wait()
	close(tasks)

	if started != 1 {
		t.Fatalf("expected exactly one accepted submit, got %d", started)
	}
	var task *Task
	for tk := range tasks {
		if task == nil {
			task = tk
		} else if tk != task {
			t.Fatal("expected every caller to observe the same task")
		}
	}

	classifier.replies <- reply{result: &prediction.Result{Label: "Benign case", Confidence: 64.2}}
	waitTask(t, task)
	if classifier.Calls() != 1 {
		t.Fatalf("expected one network call, got %d", classifier.Calls())
	}
}

func TestResetDiscardsLateResponse(t *testing.T) {
	ctx := context.Background()
	wf, classifier, store, observer := newTestWorkflow(t)
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	task, err := wf.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitStarted(t, classifier)

	wf.Reset(ctx)
	classifier.replies <- reply{result: &prediction.Result{Label: "Pneumonia", Confidence: 92.3}}
	waitTask(t, task)

	if !task.Stale() {
		t.Fatal("expected task to be marked stale")
	}
	snap := wf.Snapshot()
	if snap.Stage != StageIdle || snap.Result != nil || snap.Preview != nil || snap.Err != nil {
		t.Fatalf("late response mutated state: %+v", snap)
	}
	if store.Live() != 0 {
		t.Fatalf("expected no live previews, got %d", store.Live())
	}
	if observer.Len() != 0 {
		t.Fatalf("stale outcome must not be reported, got %d", observer.Len())
	}
}

func TestResetCancelsInFlightRequest(t *testing.T) {
	ctx := context.Background()
	wf, classifier, _, _ := newTestWorkflow(t)
	classifier.honorCancel = true
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	task, err := wf.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitStarted(t, classifier)

	wf.Reset(ctx)

	select {
	case <-classifier.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the request context to be cancelled")
	}
	waitTask(t, task)
	if !task.Stale() {
		t.Fatal("expected task to be stale")
	}
	if got := wf.Snapshot().Stage; got != StageIdle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestReselectDuringSubmitMakesResponseStale(t *testing.T) {
	ctx := context.Background()
	wf, classifier, store, _ := newTestWorkflow(t)
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	task, err := wf.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitStarted(t, classifier)

	if _, err := wf.SelectFile(ctx, chestJP); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	classifier.replies <- reply{result: &prediction.Result{Label: "Pneumonia", Confidence: 92.3}}
	waitTask(t, task)

	snap := wf.Snapshot()
	if snap.Stage != StageSelected || snap.File.Name != "chest.jpg" || snap.Result != nil {
		t.Fatalf("expected fresh selection to win, got %+v", snap)
	}
	if store.Live() != 1 {
		t.Fatalf("expected one live preview, got %d", store.Live())
	}
}

func TestReselectReleasesPreviousPreview(t *testing.T) {
	ctx := context.Background()
	wf, _, store, _ := newTestWorkflow(t)

	var previous preview.Handle
	for i, img := range []media.Image{scanPNG, chestJP, scanPNG, chestJP} {
		handle, err := wf.SelectFile(ctx, img)
		if err != nil {
			t.Fatalf("SelectFile %d error: %v", i, err)
		}
		if store.Live() != 1 {
			t.Fatalf("selection %d: expected exactly one live preview, got %d", i, store.Live())
		}
		if i > 0 {
			if _, err := store.Open(ctx, previous.ID); !errors.Is(err, preview.ErrNotFound) {
				t.Fatalf("selection %d: previous preview still live", i)
			}
		}
		previous = handle
	}
}

func TestReselectFromResultsClearsResult(t *testing.T) {
	ctx := context.Background()
	wf, classifier, _, _ := newTestWorkflow(t)
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	task, _ := wf.Submit(ctx)
	classifier.replies <- reply{result: &prediction.Result{Label: "Normal case", Confidence: 80}}
	waitTask(t, task)

	if _, err := wf.SelectFile(ctx, chestJP); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	snap := wf.Snapshot()
	if snap.Stage != StageSelected || snap.Result != nil || snap.Err != nil {
		t.Fatalf("expected clean selection, got %+v", snap)
	}
}

func TestResubmitAfterResultsAndError(t *testing.T) {
	ctx := context.Background()
	wf, classifier, _, _ := newTestWorkflow(t)
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}

	task, _ := wf.Submit(ctx)
	classifier.replies <- reply{err: prediction.Rejected(500, "model unavailable")}
	waitTask(t, task)

	task, err := wf.Submit(ctx)
	if err != nil {
		t.Fatalf("resubmit from error: %v", err)
	}
	if snap := wf.Snapshot(); snap.Err != nil {
		t.Fatalf("expected error to be cleared on submit, got %+v", snap.Err)
	}
	classifier.replies <- reply{result: &prediction.Result{Label: "Benign case", Confidence: 71.25}}
	waitTask(t, task)

	task, err = wf.Submit(ctx)
	if err != nil {
		t.Fatalf("resubmit from results: %v", err)
	}
	if snap := wf.Snapshot(); snap.Result != nil || snap.Stage != StageSubmitting {
		t.Fatalf("expected result cleared while submitting, got %+v", snap)
	}
	classifier.replies <- reply{result: &prediction.Result{Label: "Benign case", Confidence: 72}}
	waitTask(t, task)

	if classifier.Calls() != 3 {
		t.Fatalf("expected three calls, got %d", classifier.Calls())
	}
}

func TestEverySubmissionSettles(t *testing.T) {
	ctx := context.Background()
	wf, classifier, _, observer := newTestWorkflow(t)
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}

	for i := 0; i < 20; i++ {
		task, err := wf.Submit(ctx)
		if err != nil {
			t.Fatalf("round %d: Submit error: %v", i, err)
		}
		if i%2 == 0 {
			classifier.replies <- reply{result: &prediction.Result{Label: "Normal case", Confidence: float64(i)}}
		} else {
			classifier.replies <- reply{err: prediction.NetworkFailure(errors.New("reset by peer"))}
		}
		waitTask(t, task)

		stage := wf.Snapshot().Stage
		if stage != StageResults && stage != StageError {
			t.Fatalf("round %d: submission stalled in %s", i, stage)
		}
	}
	if observer.Len() != 20 {
		t.Fatalf("expected 20 outcomes, got %d", observer.Len())
	}
}

func TestSelectRejectsUnsupportedType(t *testing.T) {
	wf, _, store, _ := newTestWorkflow(t)

	_, err := wf.SelectFile(context.Background(), animGIF)
	if !errors.Is(err, media.ErrInvalidFileType) {
		t.Fatalf("expected ErrInvalidFileType, got %v", err)
	}
	snap := wf.Snapshot()
	if snap.Stage != StageIdle || snap.Err != nil || snap.Preview != nil {
		t.Fatalf("expected untouched idle workflow, got %+v", snap)
	}
	if store.Live() != 0 {
		t.Fatalf("expected no preview, got %d", store.Live())
	}
}

func TestSelectPreviewFailureLeavesIdle(t *testing.T) {
	wf := New(Options{Classifier: newGatedClassifier(), Previews: failingStore{preview.NewMemoryStore()}})

	if _, err := wf.SelectFile(context.Background(), scanPNG); err == nil {
		t.Fatal("expected preview failure")
	}
	snap := wf.Snapshot()
	if snap.Stage != StageIdle || snap.File != nil || snap.Preview != nil {
		t.Fatalf("expected idle, got %+v", snap)
	}
	if _, err := wf.Submit(context.Background()); !errors.Is(err, ErrNoFileSelected) {
		t.Fatalf("expected ErrNoFileSelected, got %v", err)
	}
}

func TestServerDetailsArePreserved(t *testing.T) {
	ctx := context.Background()
	wf, classifier, _, _ := newTestWorkflow(t)
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	task, _ := wf.Submit(ctx)
	classifier.replies <- reply{result: &prediction.Result{
		Label:      "Malignant case",
		Confidence: 88,
		Details:    &prediction.Details{Severity: "High", Recommendations: []string{"Urgent oncology referral"}},
	}}
	waitTask(t, task)

	details := wf.Snapshot().Result.Details
	if details.Severity != "High" || len(details.Recommendations) != 1 || details.Recommendations[0] != "Urgent oncology referral" {
		t.Fatalf("server details overwritten: %+v", details)
	}
}

func TestCloseTearsDown(t *testing.T) {
	ctx := context.Background()
	wf, classifier, store, _ := newTestWorkflow(t)
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}
	task, _ := wf.Submit(ctx)
	waitStarted(t, classifier)

	wf.Close(ctx)
	classifier.replies <- reply{result: &prediction.Result{Label: "Normal case", Confidence: 10}}
	waitTask(t, task)

	if store.Live() != 0 {
		t.Fatalf("expected previews released on teardown, got %d", store.Live())
	}
	if got := wf.Snapshot().Stage; got != StageIdle {
		t.Fatalf("expected idle after close, got %s", got)
	}
	if _, err := wf.SelectFile(ctx, scanPNG); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubmitTimeout(t *testing.T) {
	ctx := context.Background()
	classifier := newGatedClassifier()
	classifier.honorCancel = true
	wf := New(Options{Classifier: classifier, Previews: preview.NewMemoryStore(), Timeout: 20 * time.Millisecond})
	if _, err := wf.SelectFile(ctx, scanPNG); err != nil {
		t.Fatalf("SelectFile error: %v", err)
	}

	task, err := wf.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitTask(t, task)

	snap := wf.Snapshot()
	if snap.Stage != StageError || snap.Err.Kind != KindNetworkFailure {
		t.Fatalf("expected network failure after timeout, got %+v", snap)
	}
}
