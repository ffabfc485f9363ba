package orchestrator

import (
	"context"
	"errors"
	"image"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sudzxd/live-translator/internal/cache"
	"github.com/sudzxd/live-translator/internal/config"
	"github.com/sudzxd/live-translator/internal/dirty"
	apperrors "github.com/sudzxd/live-translator/internal/errors"
	"github.com/sudzxd/live-translator/internal/fingerprint"
	"github.com/sudzxd/live-translator/internal/ocr"
	"github.com/sudzxd/live-translator/internal/orchestrator/schedule"
	"github.com/sudzxd/live-translator/internal/overlay"
	"github.com/sudzxd/live-translator/internal/screen"
	"github.com/sudzxd/live-translator/internal/spatial"
	"github.com/sudzxd/live-translator/internal/trace"
	"github.com/sudzxd/live-translator/internal/translator"
)

// State is the pipeline phase of the current iteration.
type State int32

const (
	Idle State = iota
	Capturing
	Detecting
	Recognizing
	Translating
	Publishing
)

var stateNames = [...]string{"idle", "capturing", "detecting", "recognizing", "translating", "publishing"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Config tunes the pipeline.
type Config struct {
	Region                 screen.Rect
	CellSize               int
	OCRCacheSize           int
	TranslationCacheSize   int
	ConfidenceThreshold    float64
	Workers                int
	Schedule               schedule.Config
	MoveThreshold          int
	ResizeThreshold        int
	PerceptualSkipDistance int
	SourceLang             string
	TargetLang             string
	CallTimeout            time.Duration
}

// DefaultConfig returns the standard pipeline settings for region.
func DefaultConfig(region screen.Rect) Config {
	return Config{
		Region:                 region,
		CellSize:               spatial.DefaultCellSize,
		OCRCacheSize:           DefaultOCRCacheSize,
		TranslationCacheSize:   DefaultTranslationCacheSize,
		ConfidenceThreshold:    DefaultConfidenceThreshold,
		Workers:                DefaultWorkers,
		Schedule:               schedule.DefaultConfig(),
		MoveThreshold:          DefaultMoveThreshold,
		ResizeThreshold:        DefaultResizeThreshold,
		PerceptualSkipDistance: PerceptualSkipDisabled,
		SourceLang:             DefaultSourceLang,
		TargetLang:             DefaultTargetLang,
		CallTimeout:            DefaultCallTimeout,
	}
}

// ConfigFrom maps process configuration onto pipeline settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Region:               screen.Rect{X: c.CaptureX, Y: c.CaptureY, Width: c.CaptureWidth, Height: c.CaptureHeight},
		CellSize:             c.CellSize,
		OCRCacheSize:         c.OCRCacheSize,
		TranslationCacheSize: c.TranslationCacheSize,
		ConfidenceThreshold:  c.ConfidenceThreshold,
		Workers:              c.Workers,
		Schedule: schedule.Config{
			MinDelay:      c.MinDelay,
			MaxDelay:      c.MaxDelay,
			Window:        c.IdleWindow,
			BackoffFactor: c.BackoffFactor,
		},
		MoveThreshold:          c.MoveThreshold,
		ResizeThreshold:        c.ResizeThreshold,
		PerceptualSkipDistance: c.PerceptualSkipDistance,
		SourceLang:             c.SourceLang,
		TargetLang:             c.TargetLang,
		CallTimeout:            c.CallTimeout,
	}
}

// Deps are the external collaborators of the pipeline.
type Deps struct {
	Capturer   screen.Capturer
	Recognizer ocr.Recognizer
	Translator translator.Translator
	Publisher  *overlay.Publisher
}

// Report summarizes one iteration. Retried and Pending count work carried
// over from earlier failures; it does not by itself make an iteration active.
type Report struct {
	Dirty     int  // regions reported by the detector
	Retried   int  // regions re-queued after a failed recognition
	Pending   int  // carried spans still awaiting a translation
	Regions   int  // regions recognized after growing and merging
	Entries   int  // entries assembled
	Published bool // the assembled set differed from the current one
}

// Active reports whether the iteration saw or produced a change. The
// adaptive schedule treats anything else as idle.
func (r Report) Active() bool {
	return r.Dirty > 0 || r.Published
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Session          string          `json:"session"`
	State            string          `json:"state"`
	Running          bool            `json:"running"`
	Region           screen.Rect     `json:"region"`
	Languages        translator.Pair `json:"languages"`
	Iterations       uint64          `json:"iterations"`
	DelayMS          int64           `json:"delay_ms"`
	OCRCalls         uint64          `json:"ocr_calls"`
	TranslationCalls uint64          `json:"translation_calls"`
	OCRCache         cache.Stats     `json:"ocr_cache"`
	TranslationCache cache.Stats     `json:"translation_cache"`
	Entries          int             `json:"entries"`
}

// tracked is a recognized span in frame-relative coordinates with its
// translation, if one succeeded.
type tracked struct {
	span       ocr.Span
	translated string
	ok         bool
}

func (t tracked) bounds() screen.Rect {
	return screen.FromImageRect(t.span.BBox.Bounds())
}

// Orchestrator runs the pipeline for one capture session.
type Orchestrator struct {
	cfg        Config
	session    string
	capturer   screen.Capturer
	recognizer ocr.Recognizer
	translator translator.Translator
	publisher  *overlay.Publisher

	index      *spatial.Index
	detector   *dirty.Detector
	ocrCache   *cache.LRU[fingerprint.Digest, ocr.Result]
	trCache    *cache.LRU[fingerprint.TextKey, string]
	schedule   *schedule.Adaptive
	nearDups   nearDuplicates
	state      atomic.Int32
	iterations atomic.Uint64
	ocrCalls   atomic.Uint64
	trCalls    atomic.Uint64
	// idleRetries counts consecutive iterations run only to retry failures.
	idleRetries atomic.Int32

	// stepMu serializes iterations.
	stepMu sync.Mutex

	mu     sync.Mutex
	region screen.Rect
	langs  translator.Pair
	gen    uint64 // bumped when region or languages change mid-iteration
	prev   []tracked
	retry  []screen.Rect

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator. Languages are validated; zero-valued tuning
// fields fall back to defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Capturer == nil || deps.Recognizer == nil || deps.Translator == nil || deps.Publisher == nil {
		return nil, apperrors.New(apperrors.InvalidArgument, "orchestrator requires capturer, recognizer, translator and publisher")
	}
	cfg = cfg.withDefaults()
	if cfg.Region.Empty() {
		return nil, apperrors.Newf(apperrors.InvalidArgument, "empty capture region %s", cfg.Region)
	}
	src, err := translator.Canonical(cfg.SourceLang)
	if err != nil {
		return nil, err
	}
	tgt, err := translator.Canonical(cfg.TargetLang)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:        cfg,
		session:    uuid.NewString(),
		capturer:   deps.Capturer,
		recognizer: deps.Recognizer,
		translator: deps.Translator,
		publisher:  deps.Publisher,
		index:      spatial.NewIndex(cfg.CellSize),
		detector:   dirty.NewDetector(),
		ocrCache:   cache.New[fingerprint.Digest, ocr.Result](cfg.OCRCacheSize),
		trCache:    cache.New[fingerprint.TextKey, string](cfg.TranslationCacheSize),
		schedule:   schedule.NewAdaptive(cfg.Schedule),
		region:     cfg.Region,
		langs:      translator.Pair{Source: src, Target: tgt},
	}, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Region)
	if c.CellSize <= 0 {
		c.CellSize = d.CellSize
	}
	if c.OCRCacheSize <= 0 {
		c.OCRCacheSize = d.OCRCacheSize
	}
	if c.TranslationCacheSize <= 0 {
		c.TranslationCacheSize = d.TranslationCacheSize
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MoveThreshold <= 0 {
		c.MoveThreshold = d.MoveThreshold
	}
	if c.ResizeThreshold <= 0 {
		c.ResizeThreshold = d.ResizeThreshold
	}
	if c.SourceLang == "" {
		c.SourceLang = d.SourceLang
	}
	if c.TargetLang == "" {
		c.TargetLang = d.TargetLang
	}
	return c
}

// Session returns the id of this capture session.
func (o *Orchestrator) Session() string { return o.session }

// State returns the phase of the iteration in progress, or Idle.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) { o.state.Store(int32(s)) }

// Region returns the capture region in screen coordinates.
func (o *Orchestrator) Region() screen.Rect {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.region
}

// Languages returns the active language pair.
func (o *Orchestrator) Languages() translator.Pair {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.langs
}

// SetRegion points capture at a new screen region. Any change forgets the
// previous frame and carried entries. A move or resize beyond the configured
// thresholds clears the overlay at once, since the old entries no longer line
// up with the content beneath them.
func (o *Orchestrator) SetRegion(ctx context.Context, r screen.Rect) error {
	if r.Empty() {
		return apperrors.Newf(apperrors.InvalidArgument, "empty capture region %s", r)
	}

	o.mu.Lock()
	old := o.region
	if old == r {
		o.mu.Unlock()
		return nil
	}
	o.region = r
	o.invalidateLocked()
	moved := max(abs(r.X-old.X), abs(r.Y-old.Y)) > o.cfg.MoveThreshold
	resized := max(abs(r.Width-old.Width), abs(r.Height-old.Height)) > o.cfg.ResizeThreshold
	if moved || resized {
		o.publisher.Publish(nil)
	}
	o.mu.Unlock()

	trace.Logger(ctx).Info("capture region changed", "from", old.String(), "to", r.String(), "moved", moved, "resized", resized)
	return nil
}

// SetLanguages switches the translation pair. The next iteration rescans the
// whole region; recognition results are still served from cache.
func (o *Orchestrator) SetLanguages(ctx context.Context, source, target string) error {
	src, err := translator.Canonical(source)
	if err != nil {
		return err
	}
	tgt, err := translator.Canonical(target)
	if err != nil {
		return err
	}
	pair := translator.Pair{Source: src, Target: tgt}

	o.mu.Lock()
	if o.langs == pair {
		o.mu.Unlock()
		return nil
	}
	o.langs = pair
	o.invalidateLocked()
	o.mu.Unlock()

	trace.Logger(ctx).Info("languages changed", "source", src, "target", tgt)
	return nil
}

// invalidateLocked discards everything derived from earlier frames. o.mu
// must be held.
func (o *Orchestrator) invalidateLocked() {
	o.gen++
	o.prev = nil
	o.retry = nil
	o.detector.Reset()
	o.nearDups.reset()
	o.schedule.Reset()
	o.idleRetries.Store(0)
}

type snapshot struct {
	region screen.Rect
	langs  translator.Pair
	gen    uint64
	prev   []tracked
	retry  []screen.Rect
}

func (o *Orchestrator) snapshot() snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := snapshot{region: o.region, langs: o.langs, gen: o.gen, prev: o.prev, retry: o.retry}
	o.retry = nil
	return s
}

// Step runs exactly one iteration: capture, detect, recognize, translate and
// publish. Capture failures are returned and leave detection state untouched.
// Cancellation publishes nothing and forces the next iteration to rescan.
func (o *Orchestrator) Step(ctx context.Context) (Report, error) {
	o.stepMu.Lock()
	defer o.stepMu.Unlock()
	defer o.setState(Idle)

	ctx, span := trace.StartSpan(ctx, "pipeline_iteration")
	log := trace.Logger(ctx)
	var rep Report
	defer func() {
		span.End()
		span.SetAttr("dirty", rep.Dirty)
		span.SetAttr("regions", rep.Regions)
		span.SetAttr("entries", rep.Entries)
		log.Debug("iteration complete", "span", span)
	}()

	snap := o.snapshot()

	o.setState(Capturing)
	frame, err := o.capturer.Capture(ctx, snap.region)
	if err != nil {
		o.requeue(snap.gen, snap.retry)
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		log.Warn("capture failed", "region", snap.region.String(), "error", err)
		return rep, err
	}

	o.iterations.Add(1)

	o.setState(Detecting)
	detected := o.detector.Detect(o.index.Signatures(frame.Image))
	rep.Dirty, rep.Retried = len(detected), len(snap.retry)
	rep.Pending = untranslated(snap.prev)
	if len(detected) == 0 {
		// Failures are retried eagerly a few times on a static screen, then
		// only once something changes.
		if (len(snap.retry) == 0 && rep.Pending == 0) || o.idleRetries.Load() >= MaxIdleRetries {
			o.requeue(snap.gen, snap.retry)
			return rep, nil
		}
		o.idleRetries.Add(1)
	} else {
		o.idleRetries.Store(0)
	}

	bounds := frame.Bounds()
	regions := grow(append(detected, snap.retry...), snap.prev, bounds)
	rep.Regions = len(regions)

	o.setState(Recognizing)
	fresh, failed := o.recognizeAll(ctx, frame, regions)
	if ctx.Err() != nil {
		o.detector.Reset()
		return rep, ctx.Err()
	}

	items := carry(snap.prev, regions)
	items = append(items, fresh...)

	o.setState(Translating)
	o.translateAll(ctx, items, snap.langs)
	if ctx.Err() != nil {
		o.detector.Reset()
		return rep, ctx.Err()
	}

	o.setState(Publishing)
	entries := o.assemble(items)
	rep.Entries = len(entries)

	// Publishing under o.mu orders this set before any clear issued by a
	// concurrent SetRegion.
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != snap.gen {
		// Region or languages changed while this iteration ran.
		o.detector.Reset()
		return rep, nil
	}
	o.prev = items
	o.retry = append(o.retry, dirty.Merge(failed)...)
	o.nearDups.rotate()

	if !slices.Equal(entries, o.publisher.Current().Entries) {
		o.publisher.Publish(entries)
		rep.Published = true
	}
	return rep, nil
}

// requeue restores regions taken for retry when an iteration did not get to
// them, unless the session was invalidated since.
func (o *Orchestrator) requeue(gen uint64, regions []screen.Rect) {
	if len(regions) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen == gen {
		o.retry = append(o.retry, regions...)
	}
}

// grow widens dirty regions to cover previous spans they touch, so a text
// line that changed in part is recognized whole. Merging can make a region
// cut into another span, so growing repeats until no region changes.
func grow(regions []screen.Rect, prev []tracked, bounds screen.Rect) []screen.Rect {
	out := make([]screen.Rect, 0, len(regions))
	for _, r := range regions {
		out = append(out, r.Intersect(bounds))
	}
	out = dirty.Merge(out)

	for {
		grown := false
		for i, r := range out {
			g := r
			for _, t := range prev {
				if b := t.bounds(); g.Overlaps(b) {
					g = g.Union(b)
				}
			}
			if g = g.Intersect(bounds); g != r {
				out[i], grown = g, true
			}
		}
		if !grown {
			return out
		}
		out = dirty.Merge(out)
	}
}

// carry keeps previous spans that lie wholly outside the regions being
// recognized again.
func carry(prev []tracked, regions []screen.Rect) []tracked {
	out := make([]tracked, 0, len(prev))
	for _, t := range prev {
		b := t.bounds()
		if !slices.ContainsFunc(regions, b.Overlaps) {
			out = append(out, t)
		}
	}
	return out
}

// recognizeAll runs OCR over regions on the worker pool. It returns the
// spans found, in frame coordinates, and the regions whose recognition
// failed.
func (o *Orchestrator) recognizeAll(ctx context.Context, frame *screen.Frame, regions []screen.Rect) ([]tracked, []screen.Rect) {
	results := make([][]ocr.Span, len(regions))
	errs := make([]error, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, r := range regions {
		g.Go(func() error {
			spans, err := o.recognize(gctx, frame, r)
			if err != nil {
				errs[i] = err
				if isCancellation(gctx, err) {
					return err
				}
				trace.Logger(gctx).Warn("recognition failed", "region", r.String(), "error", err)
				return nil
			}
			results[i] = spans
			return nil
		})
	}
	_ = g.Wait()

	var fresh []tracked
	var failed []screen.Rect
	for i, spans := range results {
		if errs[i] != nil {
			failed = append(failed, regions[i])
			continue
		}
		for _, s := range spans {
			if strings.TrimSpace(s.Text) == "" {
				continue
			}
			fresh = append(fresh, tracked{span: s})
		}
	}
	return fresh, failed
}

func (o *Orchestrator) recognize(ctx context.Context, frame *screen.Frame, r screen.Rect) ([]ocr.Span, error) {
	crop := frame.Crop(r)
	key := fingerprint.Region(crop)

	nearDup := o.cfg.PerceptualSkipDistance >= 0
	var rec recognition
	if nearDup {
		if h, err := fingerprint.Perceptual(crop); err == nil {
			rec.hash = h
			if prev, ok := o.nearDups.lookup(r); ok && fingerprint.Similar(prev.hash, h, o.cfg.PerceptualSkipDistance) {
				o.nearDups.record(r, prev)
				return offset(prev.spans, r), nil
			}
		}
	}

	res, err := o.ocrCache.GetOrCompute(ctx, key, func(ctx context.Context) (ocr.Result, error) {
		o.ocrCalls.Add(1)
		ctx, cancel := o.callContext(ctx)
		defer cancel()
		spans, err := o.recognizer.Recognize(ctx, crop)
		if err != nil {
			return ocr.Result{}, err
		}
		return ocr.Result{Spans: spans}, nil
	})
	if err != nil {
		return nil, err
	}

	if rec.hash != nil {
		rec.spans = res.Spans
		o.nearDups.record(r, rec)
	}
	return offset(res.Spans, r), nil
}

func offset(spans []ocr.Span, r screen.Rect) []ocr.Span {
	out := make([]ocr.Span, len(spans))
	for i, s := range spans {
		s.BBox = s.BBox.Translate(float64(r.X), float64(r.Y))
		out[i] = s
	}
	return out
}

// translateAll fills in translations for items that lack one, in place.
// Items whose translation fails stay untranslated and are retried by the
// next iteration.
func (o *Orchestrator) translateAll(ctx context.Context, items []tracked, langs translator.Pair) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)

	for i := range items {
		if items[i].ok {
			continue
		}
		g.Go(func() error {
			text := items[i].span.Text
			translated, err := o.translate(gctx, text, langs)
			if err != nil {
				if isCancellation(gctx, err) {
					return err
				}
				trace.Logger(gctx).Warn("translation failed", "text", text, "error", err)
				return nil
			}
			items[i].translated, items[i].ok = translated, true
			return nil
		})
	}
	_ = g.Wait()
}

func untranslated(items []tracked) int {
	n := 0
	for _, t := range items {
		if !t.ok {
			n++
		}
	}
	return n
}

func (o *Orchestrator) translate(ctx context.Context, text string, langs translator.Pair) (string, error) {
	key := fingerprint.NewTextKey(text, langs.Source, langs.Target)
	return o.trCache.GetOrCompute(ctx, key, func(ctx context.Context) (string, error) {
		o.trCalls.Add(1)
		ctx, cancel := o.callContext(ctx)
		defer cancel()
		return o.translator.Translate(ctx, strings.TrimSpace(text), langs.Source, langs.Target)
	})
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.CallTimeout)
}

// assemble applies the display filters and orders entries top to bottom,
// left to right.
func (o *Orchestrator) assemble(items []tracked) []overlay.Entry {
	entries := make([]overlay.Entry, 0, len(items))
	for _, t := range items {
		if !t.ok || !Displayable(t.span.Text, t.translated, t.span.Confidence, o.cfg.ConfidenceThreshold) {
			continue
		}
		entries = append(entries, overlay.Entry{
			Original:   t.span.Text,
			Translated: t.translated,
			Confidence: t.span.Confidence,
			BBox:       t.span.BBox,
		})
	}
	slices.SortStableFunc(entries, func(a, b overlay.Entry) int {
		pa, pb := topLeft(a), topLeft(b)
		if pa.Y != pb.Y {
			return pa.Y - pb.Y
		}
		return pa.X - pb.X
	})
	return entries
}

func topLeft(e overlay.Entry) image.Point {
	return e.BBox.Bounds().Min
}

// Displayable reports whether a translation passes the display policy:
// confident enough, and actually different from the original.
func Displayable(original, translated string, confidence, threshold float64) bool {
	if confidence < threshold {
		return false
	}
	t := strings.TrimSpace(translated)
	return t != "" && t != strings.TrimSpace(original)
}

// Start runs the loop in the background until Stop or ctx is done. Starting
// a running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel != nil {
		return
	}

	ctx = trace.WithLogAttrs(ctx, "session", o.session)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.cancel, o.done = cancel, done

	go func() {
		defer close(done)
		o.run(ctx)
	}()
	trace.Logger(ctx).Info("processing started", "region", o.Region().String())
}

// Stop aborts the current iteration and waits for the loop to exit.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	trace.Logger(context.Background()).Info("processing stopped", "session", o.session)
}

// Running reports whether the loop is active.
func (o *Orchestrator) Running() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.cancel != nil
}

func (o *Orchestrator) run(ctx context.Context) {
	log := trace.Logger(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		rep, err := o.Step(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := o.schedule.Current()
		if err != nil {
			log.Debug("iteration aborted", "error", err, "retry_in", delay)
		} else {
			delay = o.schedule.Observe(rep.Active())
		}
		timer.Reset(delay)
	}
}

// Stats returns a snapshot of pipeline counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Session:          o.session,
		State:            o.State().String(),
		Running:          o.Running(),
		Region:           o.Region(),
		Languages:        o.Languages(),
		Iterations:       o.iterations.Load(),
		DelayMS:          o.schedule.Current().Milliseconds(),
		OCRCalls:         o.ocrCalls.Load(),
		TranslationCalls: o.trCalls.Load(),
		OCRCache:         o.ocrCache.Stats(),
		TranslationCache: o.trCache.Stats(),
		Entries:          len(o.publisher.Current().Entries),
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
