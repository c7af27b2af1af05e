package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpang/doc-ocr-cli/internal/config"
	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/modelcache"
	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/progress"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

const cleanPage = "The people said that there would be more water in the river this year " +
	"but no one could say when it would come down from the mountains to the land by the sea."

const garbledPage = "Th3 c0ntr4ct w4s s1gn3d ��� xkfjq zzzzzz qqqqqq wrtpk mnbvcxz " +
	"gkhjwz �� pqzxwv jkltrw aaaaaaa bbbbbbb hgfdsw � zxqwkj rtpmnb wklsdf " +
	"qpwoei mznxbc ��� lkjhgf poiuyt mnbrtw zzzzzz xxxxxx qqqwwe rrrtty"

// docScript describes how the fake fast engine treats one input path.
type docScript struct {
	pages []string
	err   error
	delay time.Duration
}

// world is the shared store linking the fake fast engine to the fake
// extractor, keyed by processed-document path.
type world struct {
	mu    sync.Mutex
	texts map[string][]string
}

func newWorld() *world {
	return &world{texts: map[string][]string{}}
}

func (w *world) put(path string, pages []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.texts[path] = pages
}

func (w *world) get(path string) ([]string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.texts[path]
	return p, ok
}

type fakeFast struct {
	world *world
	docs  map[string]docScript
}

func (f *fakeFast) Name() string { return "fake-fast" }

func (f *fakeFast) Process(ctx context.Context, inputPath, workDir string) (*ocr.FastResult, error) {
	script, ok := f.docs[inputPath]
	if !ok {
		return nil, fmt.Errorf("no script for %s", inputPath)
	}
	if script.err != nil {
		return nil, script.err
	}
	if script.delay > 0 {
		select {
		case <-time.After(script.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := inputPath + "#ocr"
	f.world.put(out, script.pages)
	return &ocr.FastResult{OutputPath: out, PageCount: len(script.pages)}, nil
}

type fakeExtractor struct{ world *world }

func (e *fakeExtractor) PageCount(_ context.Context, docPath string) (int, error) {
	pages, ok := e.world.get(docPath)
	if !ok {
		return 0, fmt.Errorf("unknown document %s", docPath)
	}
	return len(pages), nil
}

func (e *fakeExtractor) PageText(_ context.Context, docPath string, pageIndex int) (string, error) {
	pages, ok := e.world.get(docPath)
	if !ok {
		return "", fmt.Errorf("unknown document %s", docPath)
	}
	if pageIndex < 0 || pageIndex >= len(pages) {
		return "", fmt.Errorf("page %d out of range", pageIndex)
	}
	return pages[pageIndex], nil
}

type fakeRenderer struct{}

func (fakeRenderer) RenderPage(_ context.Context, docPath string, pageIndex, dpi int) (ocr.PageImage, error) {
	return ocr.PageImage{
		Index:    pageIndex,
		Data:     []byte(fmt.Sprintf("%s#%d", docPath, pageIndex)),
		MIMEType: "image/png",
	}, nil
}

// fakeProber hands back fixed signals and records the probed paths.
type fakeProber struct {
	mu     sync.Mutex
	sig    quality.ImageSignals
	err    error
	probed []string
}

func (f *fakeProber) ProbeFile(path string) (*quality.ImageSignals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, path)
	if f.err != nil {
		return nil, f.err
	}
	s := f.sig
	return &s, nil
}

type escHandle struct {
	dev      device.Info
	released bool
}

func (h *escHandle) Device() device.Info { return h.dev }
func (h *escHandle) Release() error      { h.released = true; return nil }

// fakeEscalation scripts recognition failures and tags its output with
// each page's render marker so tests can verify the mapping.
type fakeEscalation struct {
	mu             sync.Mutex
	loads          int
	recognizeCalls int
	failures       []error
	batchSizes     []int
	devices        []device.Kind
}

func (f *fakeEscalation) Name() string { return "fake-escalation" }

func (f *fakeEscalation) LoadModels(_ context.Context, dev device.Info) (ocr.ModelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return &escHandle{dev: dev}, nil
}

func (f *fakeEscalation) RecognizeBatch(_ context.Context, handle ocr.ModelHandle, pages []ocr.PageImage) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recognizeCalls++
	f.batchSizes = append(f.batchSizes, len(pages))
	f.devices = append(f.devices, handle.Device().Kind)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = cleanPage + " tag " + string(p.Data)
	}
	return out, nil
}

// scriptProber controls which backends validate.
type scriptProber struct {
	infos map[device.Kind]device.Info
}

func (p scriptProber) Probe(_ context.Context, k device.Kind) (device.Info, error) {
	if info, ok := p.infos[k]; ok {
		return info, nil
	}
	return device.Info{}, fmt.Errorf("%s unavailable", k)
}

func cpuOnlyProber() scriptProber {
	return scriptProber{infos: map[device.Kind]device.Info{
		device.CPU: {Kind: device.CPU, Name: "test-cpu", MemoryMB: 65536},
	}}
}

func cudaAndCPUProber(cudaMemMB int) scriptProber {
	return scriptProber{infos: map[device.Kind]device.Info{
		device.CUDA: {Kind: device.CUDA, Name: "test-gpu", MemoryMB: cudaMemMB},
		device.CPU:  {Kind: device.CPU, Name: "test-cpu", MemoryMB: 65536},
	}}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Observe(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(k progress.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// rig bundles a pipeline with all its fakes.
type rig struct {
	pipe *Pipeline
	fast *fakeFast
	esc  *fakeEscalation
	obs  *eventRecorder
}

func newRig(t *testing.T, cfg config.Config, prober device.Prober, docs map[string]docScript) *rig {
	t.Helper()
	return newRigWithSignals(t, cfg, prober, docs, nil)
}

func newRigWithSignals(t *testing.T, cfg config.Config, prober device.Prober, docs map[string]docScript, signals ocr.SignalProber) *rig {
	t.Helper()

	analyzer, err := quality.New(cfg.Quality)
	if err != nil {
		t.Fatalf("quality.New failed: %v", err)
	}

	w := newWorld()
	fast := &fakeFast{world: w, docs: docs}
	esc := &fakeEscalation{}
	obs := &eventRecorder{}

	devices := device.NewManagerWithProber(cfg.Device, prober)
	models := modelcache.NewManager(devices, esc.LoadModels, cfg.Pipeline.ModelTTL.Std(), obs)

	pipe, err := New(cfg, Deps{
		Analyzer:   analyzer,
		Devices:    devices,
		Models:     models,
		Fast:       fast,
		Escalation: esc,
		Extractor:  &fakeExtractor{world: w},
		Renderer:   fakeRenderer{},
		Signals:    signals,
		Observer:   obs,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &rig{pipe: pipe, fast: fast, esc: esc, obs: obs}
}

// run executes the pipeline and removes its work directory when the
// test finishes.
func (r *rig) run(t *testing.T, paths ...string) (*Result, error) {
	t.Helper()
	res, err := r.pipe.Run(context.Background(), paths)
	if res != nil && res.WorkDir != "" {
		dir := res.WorkDir
		t.Cleanup(func() { os.RemoveAll(dir) })
	}
	return res, err
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pipeline.Workers = 2
	return cfg
}

func TestRunCleanDocumentsSkipPhase2(t *testing.T) {
	r := newRig(t, testConfig(), cpuOnlyProber(), map[string]docScript{
		"a.pdf": {pages: []string{cleanPage, cleanPage}},
		"b.pdf": {pages: []string{cleanPage}},
	})

	res, err := r.run(t, "a.pdf", "b.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.State != StateDone {
		t.Errorf("expected state done, got %s", res.State)
	}
	if r.esc.loads != 0 || r.esc.recognizeCalls != 0 {
		t.Errorf("expected no escalation activity, got %d loads %d calls", r.esc.loads, r.esc.recognizeCalls)
	}
	if res.Device != "" {
		t.Errorf("expected no device in result, got %q", res.Device)
	}
	for _, job := range res.Jobs {
		if job.Status != ocr.JobDone {
			t.Errorf("%s: expected done, got %s (%s)", job.Path, job.Status, job.Err)
		}
		for _, p := range job.Pages {
			if p.Engine != ocr.EngineFast || p.Quality.Flagged {
				t.Errorf("%s page %d: expected clean fast-engine page", job.Path, p.Index)
			}
		}
	}
}

func TestRunEscalatesFlaggedPagesAcrossDocuments(t *testing.T) {
	r := newRig(t, testConfig(), cpuOnlyProber(), map[string]docScript{
		"a.pdf": {pages: []string{cleanPage, cleanPage}},
		"b.pdf": {pages: []string{cleanPage, garbledPage, garbledPage}},
		"c.pdf": {pages: []string{garbledPage, cleanPage}},
	})

	res, err := r.run(t, "a.pdf", "b.pdf", "c.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Escalated != 3 {
		t.Errorf("expected 3 escalated pages, got %d", res.Escalated)
	}
	if len(r.esc.batchSizes) != 1 || r.esc.batchSizes[0] != 3 {
		t.Errorf("expected a single batch of 3, got %v", r.esc.batchSizes)
	}
	if len(res.BatchFailures) != 0 {
		t.Errorf("unexpected batch failures: %v", res.BatchFailures)
	}

	var jobA, jobB, jobC *ocr.DocumentJob
	for _, j := range res.Jobs {
		switch j.Path {
		case "a.pdf":
			jobA = j
		case "b.pdf":
			jobB = j
		case "c.pdf":
			jobC = j
		}
	}

	// Document A had no flags and must come through Phase 2 untouched.
	for _, p := range jobA.Pages {
		if p.Engine != ocr.EngineFast || p.Text != cleanPage {
			t.Errorf("a.pdf page %d was modified by Phase 2", p.Index)
		}
	}
	if jobA.Phase2Duration != 0 {
		t.Errorf("a.pdf should have no Phase 2 time, got %s", jobA.Phase2Duration)
	}

	// Each escalated page carries its own render marker, proving the
	// result landed on the right page.
	checks := []struct {
		job  *ocr.DocumentJob
		page int
	}{
		{jobB, 1}, {jobB, 2}, {jobC, 0},
	}
	for _, c := range checks {
		p := c.job.Pages[c.page]
		if p.Engine != ocr.EngineEscalation {
			t.Errorf("%s page %d: expected escalation engine, got %s", c.job.Path, c.page, p.Engine)
		}
		marker := fmt.Sprintf("%s#ocr#%d", c.job.Path, c.page)
		if !strings.HasSuffix(p.Text, marker) {
			t.Errorf("%s page %d: text not mapped from its own render (got %q)", c.job.Path, c.page, p.Text)
		}
	}

	// Unflagged pages of escalated documents keep their fast text.
	if jobB.Pages[0].Engine != ocr.EngineFast || jobB.Pages[0].Text != cleanPage {
		t.Error("b.pdf page 0 should keep its fast-engine text")
	}
	if jobC.Pages[1].Engine != ocr.EngineFast {
		t.Error("c.pdf page 1 should keep its fast-engine text")
	}
}

func TestRunSplitsLargeCollection(t *testing.T) {
	pages := make([]string, 50)
	for i := range pages {
		pages[i] = garbledPage
	}
	cfg := testConfig()
	cfg.Batch.MemoryPerPageMB = 512
	cfg.Batch.MaxBatchPages = 64

	// 10240 MB at 512 MB per page computes a safe size of 20.
	r := newRig(t, cfg, cudaAndCPUProber(10240), map[string]docScript{
		"big.pdf": {pages: pages},
	})

	res, err := r.run(t, "big.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantSizes := []int{20, 20, 10}
	if len(r.esc.batchSizes) != 3 {
		t.Fatalf("expected 3 batches, got %v", r.esc.batchSizes)
	}
	for i, want := range wantSizes {
		if r.esc.batchSizes[i] != want {
			t.Errorf("batch %d: expected %d pages, got %d", i, want, r.esc.batchSizes[i])
		}
	}
	if res.Escalated != 50 {
		t.Errorf("expected all 50 pages escalated, got %d", res.Escalated)
	}

	// Every page got the text rendered from its own index.
	job := res.Jobs[0]
	for i, p := range job.Pages {
		marker := fmt.Sprintf("#ocr#%d", i)
		if !strings.HasSuffix(p.Text, marker) {
			t.Errorf("page %d: mapped text carries wrong marker (%q)", i, p.Text)
		}
		if p.Engine != ocr.EngineEscalation {
			t.Errorf("page %d: expected escalation engine", i)
		}
	}

	if r.obs.count(progress.KindBatchSplit) != 1 {
		t.Error("expected a batch_split event")
	}
}

func TestRunFallbackRetryAfterResourceFailure(t *testing.T) {
	r := newRig(t, testConfig(), cudaAndCPUProber(65536), map[string]docScript{
		"doc.pdf": {pages: []string{garbledPage, cleanPage}},
	})
	r.esc.failures = []error{
		&ocr.EngineError{Engine: "fake-escalation", Device: "cuda", Op: "recognize", Class: ocr.FailureResource, Err: errors.New("out of memory")},
	}

	res, err := r.run(t, "doc.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.BatchFailures) != 0 {
		t.Fatalf("expected the retry to succeed, got failures %v", res.BatchFailures)
	}
	if res.Device != string(device.CPU) {
		t.Errorf("expected fallback device cpu in result, got %q", res.Device)
	}
	if r.esc.loads != 2 {
		t.Errorf("expected reload after fallback, got %d loads", r.esc.loads)
	}
	if len(r.esc.devices) != 2 || r.esc.devices[0] != device.CUDA || r.esc.devices[1] != device.CPU {
		t.Errorf("expected attempts on cuda then cpu, got %v", r.esc.devices)
	}
	if r.obs.count(progress.KindDeviceFallback) != 1 {
		t.Error("expected a device_fallback event")
	}

	p := res.Jobs[0].Pages[0]
	if p.Engine != ocr.EngineEscalation {
		t.Errorf("expected escalated page after retry, got %s", p.Engine)
	}
}

func TestRunSecondFailureContainsBatch(t *testing.T) {
	resourceErr := &ocr.EngineError{Engine: "fake-escalation", Op: "recognize", Class: ocr.FailureResource, Err: errors.New("out of memory")}
	r := newRig(t, testConfig(), cudaAndCPUProber(65536), map[string]docScript{
		"doc.pdf": {pages: []string{garbledPage}},
	})
	r.esc.failures = []error{resourceErr, resourceErr}

	res, err := r.run(t, "doc.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.BatchFailures) != 1 {
		t.Fatalf("expected 1 batch failure, got %v", res.BatchFailures)
	}
	if r.esc.recognizeCalls != 2 {
		t.Errorf("expected exactly one retry, got %d calls", r.esc.recognizeCalls)
	}

	// The page keeps its Phase 1 state.
	p := res.Jobs[0].Pages[0]
	if p.Engine != ocr.EngineFast || p.Text != garbledPage {
		t.Errorf("expected untouched Phase 1 page, got engine=%s", p.Engine)
	}
	if !p.Quality.Flagged {
		t.Error("expected the page to stay flagged")
	}
	if res.State != StateDone {
		t.Errorf("run should complete despite the batch failure, state %s", res.State)
	}
}

func TestRunPermanentFailureSkipsRetry(t *testing.T) {
	r := newRig(t, testConfig(), cpuOnlyProber(), map[string]docScript{
		"doc.pdf": {pages: []string{garbledPage}},
	})
	r.esc.failures = []error{
		&ocr.EngineError{Engine: "fake-escalation", Op: "recognize", Class: ocr.FailurePermanent, Err: errors.New("unsupported image")},
	}

	res, err := r.run(t, "doc.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if r.esc.recognizeCalls != 1 {
		t.Errorf("permanent failures must not retry, got %d calls", r.esc.recognizeCalls)
	}
	if r.obs.count(progress.KindDeviceFallback) != 0 {
		t.Error("permanent failures must not trigger fallback")
	}
	if len(res.BatchFailures) != 1 {
		t.Errorf("expected 1 batch failure, got %v", res.BatchFailures)
	}
}

func TestRunStrictModeSurfacesDeviceFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Device.Preferred = "cuda"
	cfg.Device.Strict = true

	r := newRig(t, cfg, cudaAndCPUProber(65536), map[string]docScript{
		"doc.pdf": {pages: []string{garbledPage}},
	})
	r.esc.failures = []error{
		&ocr.EngineError{Engine: "fake-escalation", Device: "cuda", Op: "recognize", Class: ocr.FailureResource, Err: errors.New("out of memory")},
	}

	_, err := r.run(t, "doc.pdf")
	if err == nil {
		t.Fatal("expected a run-level error in strict mode")
	}
	var verr *device.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if r.esc.recognizeCalls != 1 {
		t.Errorf("strict mode must not retry, got %d calls", r.esc.recognizeCalls)
	}
}

func TestRunDocumentTimeoutContained(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.DocumentTimeout = config.Duration(50 * time.Millisecond)

	r := newRig(t, cfg, cpuOnlyProber(), map[string]docScript{
		"slow.pdf": {pages: []string{cleanPage}, delay: 500 * time.Millisecond},
		"a.pdf":    {pages: []string{cleanPage}},
		"b.pdf":    {pages: []string{cleanPage, cleanPage}},
	})

	res, err := r.run(t, "slow.pdf", "a.pdf", "b.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Jobs) != 3 {
		t.Fatalf("expected 3 document results, got %d", len(res.Jobs))
	}

	var slow *ocr.DocumentJob
	var done int
	for _, j := range res.Jobs {
		if j.Path == "slow.pdf" {
			slow = j
			continue
		}
		if j.Status != ocr.JobDone {
			t.Errorf("expected %s to finish, got %s (%s)", j.Path, j.Status, j.Err)
			continue
		}
		done++
	}

	if slow.Status != ocr.JobFailed {
		t.Errorf("expected slow.pdf to fail, got %s", slow.Status)
	}
	if !strings.Contains(slow.Err, "deadline") {
		t.Errorf("expected a deadline error, got %q", slow.Err)
	}
	if done != 2 {
		t.Errorf("expected both siblings to finish, got %d", done)
	}
}

func TestRunFastEngineFailureContained(t *testing.T) {
	r := newRig(t, testConfig(), cpuOnlyProber(), map[string]docScript{
		"bad.pdf":  {err: errors.New("input file is encrypted")},
		"good.pdf": {pages: []string{cleanPage}},
	})

	res, err := r.run(t, "bad.pdf", "good.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var bad *ocr.DocumentJob
	for _, j := range res.Jobs {
		if j.Path == "bad.pdf" {
			bad = j
		}
	}
	if bad.Status != ocr.JobFailed {
		t.Fatalf("expected bad.pdf to fail, got %s", bad.Status)
	}
	if !strings.Contains(bad.Err, "fake-fast") || !strings.Contains(bad.Err, "encrypted") {
		t.Errorf("expected an actionable error naming the engine, got %q", bad.Err)
	}
	if r.obs.count(progress.KindDocumentFailed) != 1 {
		t.Error("expected a document_failed event")
	}
}

func TestRunAlwaysEscalateOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.AlwaysEscalate = true

	r := newRig(t, cfg, cpuOnlyProber(), map[string]docScript{
		"doc.pdf": {pages: []string{cleanPage, cleanPage}},
	})

	res, err := r.run(t, "doc.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Escalated != 2 {
		t.Errorf("expected both pages escalated, got %d", res.Escalated)
	}
	for _, p := range res.Jobs[0].Pages {
		if p.Engine != ocr.EngineEscalation {
			t.Errorf("page %d: expected escalation engine under the override", p.Index)
		}
	}
}

func TestRunSkipEscalationOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.SkipEscalation = true

	r := newRig(t, cfg, cpuOnlyProber(), map[string]docScript{
		"doc.pdf": {pages: []string{garbledPage, cleanPage}},
	})

	res, err := r.run(t, "doc.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Jobs[0].FlaggedPageCount() == 0 {
		t.Fatal("expected the garbled page to be flagged")
	}
	if res.Escalated != 0 {
		t.Errorf("expected no escalation, got %d pages", res.Escalated)
	}
	if r.esc.recognizeCalls != 0 {
		t.Errorf("expected no escalation calls, got %d", r.esc.recognizeCalls)
	}
	p := res.Jobs[0].Pages[0]
	if p.Engine != ocr.EngineFast || p.Text != garbledPage {
		t.Errorf("expected the flagged page to keep fast-pass text, got engine %s", p.Engine)
	}
}

func TestRunEmptyPageFlaggedAndEscalated(t *testing.T) {
	r := newRig(t, testConfig(), cpuOnlyProber(), map[string]docScript{
		"doc.pdf": {pages: []string{""}},
	})

	res, err := r.run(t, "doc.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Escalated != 1 {
		t.Errorf("expected the empty page to be escalated, got %d", res.Escalated)
	}
}

func TestRunSignalProberFeedsStruggles(t *testing.T) {
	prober := &fakeProber{sig: quality.ImageSignals{SkewDegrees: 5.0}}
	r := newRigWithSignals(t, testConfig(), cpuOnlyProber(), map[string]docScript{
		"skewed.png": {pages: []string{cleanPage, cleanPage}},
	}, prober)

	res, err := r.run(t, "skewed.png")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(prober.probed) != 1 || prober.probed[0] != "skewed.png" {
		t.Fatalf("expected one probe of skewed.png, got %v", prober.probed)
	}

	job := res.Jobs[0]
	if job.Status != ocr.JobDone {
		t.Fatalf("expected done job, got %s (%s)", job.Status, job.Err)
	}
	for _, p := range job.Pages {
		if p.Quality.Flagged {
			t.Errorf("page %d: image signals must not change flagging", p.Index)
		}
		found := false
		for _, s := range p.Quality.Struggles {
			if s == quality.StruggleSkew {
				found = true
			}
		}
		if !found {
			t.Errorf("page %d: expected skew struggle, got %v", p.Index, p.Quality.Struggles)
		}
	}
	if res.Escalated != 0 {
		t.Errorf("expected no escalation for clean pages, got %d", res.Escalated)
	}
}

func TestRunSignalProbeFailureIgnored(t *testing.T) {
	prober := &fakeProber{err: fmt.Errorf("not an image")}
	r := newRigWithSignals(t, testConfig(), cpuOnlyProber(), map[string]docScript{
		"doc.pdf": {pages: []string{cleanPage}},
	}, prober)

	res, err := r.run(t, "doc.pdf")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Jobs[0].Status != ocr.JobDone {
		t.Fatalf("expected done job, got %s (%s)", res.Jobs[0].Status, res.Jobs[0].Err)
	}
	if got := res.Jobs[0].Pages[0].Quality.Struggles; len(got) != 0 {
		t.Errorf("expected no struggles for a clean unprobed page, got %v", got)
	}
}

func TestEffectiveWorkers(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		threads int
		docs    int
		want    int
	}{
		{"explicit override", 4, 1, 10, 4},
		{"clamped to documents", 8, 1, 3, 3},
		{"zero documents", 4, 1, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.PipelineConfig{Workers: tt.workers, PerWorkerThreads: tt.threads}
			if got := effectiveWorkers(cfg, tt.docs); got != tt.want {
				t.Errorf("expected %d workers, got %d", tt.want, got)
			}
		})
	}

	t.Run("auto stays within cores and documents", func(t *testing.T) {
		cfg := config.PipelineConfig{Workers: 0, PerWorkerThreads: 2}
		got := effectiveWorkers(cfg, 100)
		if got < 1 {
			t.Errorf("expected at least one worker, got %d", got)
		}
		if got > 100 {
			t.Errorf("expected at most one worker per document, got %d", got)
		}
	})
}

func TestNewRejectsMissingDeps(t *testing.T) {
	cfg := testConfig()
	analyzer, err := quality.New(cfg.Quality)
	if err != nil {
		t.Fatalf("quality.New failed: %v", err)
	}

	_, err = New(cfg, Deps{Analyzer: analyzer})
	if err == nil {
		t.Fatal("expected an error for missing collaborators")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Quality.GarbledWeight = 0.9 // weights no longer sum to 1

	_, err := New(cfg, Deps{})
	if err == nil {
		t.Fatal("expected a config validation error")
	}
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected config.ValidationError, got %T", err)
	}
}
