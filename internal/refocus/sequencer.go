package refocus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"refocus/internal/fit"
	"refocus/internal/scanner"
)

// Status is the externally visible state of the sequencer.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusFinishing Status = "finishing"
)

// ErrAlreadyRunning is returned when a refocus is started while another is
// in flight. Concurrent runs are not supported.
var ErrAlreadyRunning = errors.New("a refocus run is already in progress")

// Request starts one optimisation run. Start may be nil, in which case the
// device's current position is used. CallerTag is an opaque label passed
// back on the finished event; the template tags select capture-only runs.
type Request struct {
	Start     []float64
	CallerTag string
}

// RunRecord summarises a finished run for persistence.
type RunRecord struct {
	ID         string
	CallerTag  string
	Status     string // "completed", "aborted", "failed"
	Start      [3]float64
	Final      [3]float64
	Sigma      [3]float64
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunRecorder persists run records. Recording failures are logged, never
// fatal to a run.
type RunRecorder interface {
	RecordRun(RunRecord) error
}

// ProfilePlotFunc renders a diagnostic plot of a Z profile and its fitted
// curve. Injected so the engine does not depend on the plotting stack.
type ProfilePlotFunc func(dir string, z, data, fitted []float64) error

// internal state machine states. Each advance performs one transition; the
// run goroutine drives them until stateDone. Stop requests are honoured at
// the top of every line, never mid-line.
type runState int

const (
	stateNextStep runState = iota
	stateXYLine
	stateXYFit
	stateZStep
	stateFinish
	stateDone
)

// Sequencer drives the optimisation state machine: grid building, line
// scanning, estimation and bounds validation across the configured step
// sequence. One Sequencer owns at most one in-flight run.
type Sequencer struct {
	dev    scanner.Device
	est    *PositionEstimator
	cfg    *Config
	store  *TemplateStore
	sink   Sink
	logger *log.Logger

	// Optional collaborators.
	Recorder RunRecorder
	PlotFunc ProfilePlotFunc

	mu            sync.Mutex
	status        Status
	stopRequested bool
	wg            sync.WaitGroup

	// Run context, owned by the run goroutine while status != idle.
	runID      string
	callerTag  string
	startedAt  time.Time
	ranges     [3][2]float64
	initial    [3]float64
	best       [3]float64
	sigma      [3]float64
	stepStart  [3]float64
	sequence   []StepKind
	stepIdx    int
	captureXY  bool
	captureZ   bool
	scanFailed bool

	driver    *LineScanDriver
	validator BoundsValidator
	lineCount int
	grid      *XYGrid
	img       *XYImage
	zline     *ZLine
	zprof     *ZProfile
	zFitCurve []float64

	crosshair [3]float64
}

// NewSequencer assembles the engine around a device and a fit service.
// sink may be nil.
func NewSequencer(dev scanner.Device, svc fit.Service, cfg *Config, sink Sink, logger *log.Logger) *Sequencer {
	if logger == nil {
		logger = log.Default()
	}
	if sink == nil {
		sink = &LogSink{Logger: logger}
	}
	return &Sequencer{
		dev:    dev,
		est:    NewPositionEstimator(svc, logger),
		cfg:    cfg,
		store:  NewTemplateStore(),
		sink:   sink,
		logger: logger,
		status: StatusIdle,
	}
}

// Templates exposes the template store, for persistence wiring.
func (s *Sequencer) Templates() *TemplateStore { return s.store }

// Status returns the sequencer's externally visible state.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StartRefocus begins an optimisation run around the requested position.
// It returns once the run goroutine is launched; completion is reported
// through the run-finished event. Starting while a run is in flight is
// rejected.
func (s *Sequencer) StartRefocus(req Request) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.status = StatusRunning
	s.stopRequested = false
	s.mu.Unlock()

	s.ranges = s.dev.PositionRange()
	s.callerTag = req.CallerTag
	s.runID = uuid.NewString()
	s.startedAt = time.Now()
	s.scanFailed = false
	s.zFitCurve = nil

	if len(req.Start) >= 3 {
		copy(s.initial[:], req.Start[:3])
	} else {
		pos := s.dev.Position()
		copy(s.initial[:], pos[:3])
	}

	// A template with a cursor shift scans around the shifted position;
	// the shift is re-added when the run finishes.
	mode := s.cfg.GetFitMode()
	cursor := s.cfg.GetTemplateCursor()
	if mode.usesXYTemplate() {
		s.initial[0] -= cursor[0]
		s.initial[1] -= cursor[1]
	}
	if mode.usesZTemplate() {
		s.initial[2] -= cursor[2]
	}

	s.best = s.initial
	s.sigma = [3]float64{}
	s.stepIdx = 0
	s.lineCount = 0
	s.captureXY = req.CallerTag == TagXYTemplateImage
	s.captureZ = req.CallerTag == TagZTemplateImage
	s.sequence = s.resolveSequence()
	s.validator = BoundsValidator{MaxOffset: s.cfg.GetMaxOffset()}

	slowness := s.cfg.GetReturnSlowness()
	if s.captureXY || s.captureZ {
		slowness = s.cfg.GetTemplateReturnSlowness()
	}
	s.driver = NewLineScanDriver(s.dev, slowness, s.cfg.GetSettleTime(), s.logger)

	if err := s.startScanner(); err != nil {
		s.logger.Printf("[sequencer] scanner acquisition failed: %v", err)
		s.finishWithoutScan("failed")
		return fmt.Errorf("scanner acquisition: %w", err)
	}

	s.sink.Publish(Event{Kind: EventRunStarted, Tag: req.CallerTag})
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop requests a cooperative stop. The run unwinds at the next line
// boundary; no line is interrupted mid-scan.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.stopRequested = true
	}
}

// Wait blocks until the in-flight run goroutine, if any, has exited.
func (s *Sequencer) Wait() { s.wg.Wait() }

func (s *Sequencer) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// resolveSequence validates the configured step sequence. Capture tags
// override it with a single capture step. An invalid sequence is replaced
// by the default and logged as an error; the run proceeds.
func (s *Sequencer) resolveSequence() []StepKind {
	if s.captureXY {
		return []StepKind{StepXYTemplateCapture}
	}
	if s.captureZ {
		return []StepKind{StepZTemplateCapture}
	}
	seq := s.cfg.GetSequence()
	for _, step := range seq {
		if step != StepXY && step != StepZ {
			s.logger.Printf("[sequencer] error: optimisation sequence contains unknown step %q; using the default %v", step, DefaultSequence())
			return DefaultSequence()
		}
	}
	return seq
}

// startScanner acquires the device for the run: pixel clock first, then
// the scanner itself. Capture runs use the template clock frequency.
func (s *Sequencer) startScanner() error {
	freq := s.cfg.GetClockFrequencyHz()
	if s.captureXY || s.captureZ {
		freq = s.cfg.GetTemplateClockFrequencyHz()
	}
	if err := s.dev.SetUpClock(freq); err != nil {
		return fmt.Errorf("clock setup: %w", err)
	}
	if err := s.dev.SetUpScanner(); err != nil {
		if cerr := s.dev.CloseClock(); cerr != nil {
			s.logger.Printf("[sequencer] closing clock after failed scanner setup: %v", cerr)
		}
		return fmt.Errorf("scanner setup: %w", err)
	}
	return nil
}

// killScanner releases the device. Release failures are logged, not
// retried.
func (s *Sequencer) killScanner() {
	if err := s.dev.CloseScanner(); err != nil {
		s.logger.Printf("[sequencer] closing scanner failed: %v", err)
	}
	if err := s.dev.CloseClock(); err != nil {
		s.logger.Printf("[sequencer] closing scanner clock failed: %v", err)
	}
}

func (s *Sequencer) run() {
	defer s.wg.Done()
	for st := stateNextStep; st != stateDone; {
		st = s.advance(st)
	}
}

// advance performs one state machine transition and returns the next
// state. Every transition is a resumption point, so stop requests are
// picked up between hardware operations.
func (s *Sequencer) advance(st runState) runState {
	switch st {
	case stateNextStep:
		return s.nextStep()
	case stateXYLine:
		return s.scanXYLine()
	case stateXYFit:
		return s.fitXY()
	case stateZStep:
		return s.runZStep()
	case stateFinish:
		s.finish()
		return stateDone
	default:
		return stateDone
	}
}

func (s *Sequencer) nextStep() runState {
	if s.stepIdx >= len(s.sequence) {
		return stateFinish
	}
	step := s.sequence[s.stepIdx]
	s.stepIdx++
	s.stepStart = s.best

	switch step {
	case StepXY, StepXYTemplateCapture:
		s.initXYStep()
		return stateXYLine
	case StepZ, StepZTemplateCapture:
		return stateZStep
	default:
		// resolveSequence has already excluded anything else.
		return stateFinish
	}
}

// initXYStep builds the XY grid centred on the current best estimate so
// later steps inherit earlier corrections.
func (s *Sequencer) initXYStep() {
	channels := len(s.dev.CountChannels())
	s.grid = BuildXYGrid(s.best, s.cfg.GetXYSize(), s.cfg.GetXYResolution(), s.ranges[0], s.ranges[1])
	s.img = NewXYImage(s.grid, channels)
	s.lineCount = 0
	if s.captureXY || s.cfg.GetFitMode().usesXYTemplate() {
		s.store.EnsureImage(s.grid, channels)
	}
}

func (s *Sequencer) scanXYLine() runState {
	if s.stopped() {
		return stateFinish
	}

	if s.lineCount == 0 {
		if err := s.driver.MoveToStart([3]float64{s.grid.X[0], s.grid.Y[0], s.grid.Z}); err != nil {
			s.logger.Printf("[sequencer] error during move to starting point: %v", err)
			s.abortScan()
			return stateFinish
		}
	}

	if err := s.driver.ScanXYRow(s.grid, s.img, s.lineCount); err != nil {
		s.logger.Printf("[sequencer] scan failed, releasing the scanner: %v", err)
		s.abortScan()
		return stateFinish
	}
	s.sink.Publish(Event{Kind: EventLineUpdated})

	s.lineCount++
	if s.lineCount < len(s.grid.Y) {
		return stateXYLine
	}
	return stateXYFit
}

func (s *Sequencer) fitXY() runState {
	channel := s.cfg.GetFitChannel()

	// A capture step stores the scan verbatim; no fit runs and the
	// reported position stays at the request.
	if s.captureXY {
		s.store.SetImage(s.img)
		s.best[0], s.best[1] = s.initial[0], s.initial[1]
		s.sigma[0], s.sigma[1] = 0, 0
		s.sink.Publish(Event{Kind: EventImageUpdated})
		return stateNextStep
	}

	var est XYEstimate
	if s.cfg.GetFitMode().usesXYTemplate() {
		tmpl := s.store.Image()
		if tmpl == nil {
			s.store.EnsureImage(s.grid, len(s.dev.CountChannels()))
			tmpl = s.store.Image()
		}
		est = s.est.FitXYTemplate(s.img, tmpl, channel, s.best)
	} else {
		est = s.est.FitXY(s.img, channel)
	}

	half := s.cfg.GetXYSize() / 2
	s.best[0], s.sigma[0] = s.validator.Validate(est.X, s.stepStart[0], s.ranges[0], half)
	s.best[1], s.sigma[1] = s.validator.Validate(est.Y, s.stepStart[1], s.ranges[1], half)

	s.sink.Publish(Event{Kind: EventImageUpdated})
	return stateNextStep
}

// runZStep performs a whole Z step: scan, optional template storage or
// estimation, bounds validation. The stop flag is checked before the scan
// begins.
func (s *Sequencer) runZStep() runState {
	if s.stopped() {
		return stateFinish
	}

	channels := len(s.dev.CountChannels())
	channel := s.cfg.GetFitChannel()
	s.zline = BuildZLine(s.best, s.cfg.GetZSize(), s.cfg.GetZResolution(), s.ranges[2])
	s.zprof = NewZProfile(s.zline, channels)
	if s.captureZ || s.cfg.GetFitMode().usesZTemplate() {
		s.store.EnsureLine(s.zline, s.best[2], channels)
	}

	surface := s.cfg.GetSurfaceSubtraction()
	if err := s.driver.ScanZ(s.zline, s.zprof, surface, s.cfg.GetSurfaceOffset()); err != nil {
		s.logger.Printf("[sequencer] z scan failed, releasing the scanner: %v", err)
		s.abortScan()
		return stateFinish
	}
	s.sink.Publish(Event{Kind: EventLineUpdated})

	if s.captureZ {
		s.store.SetLine(s.zprof, s.best[2])
		s.best[2] = s.initial[2]
		s.sigma[2] = 0
		s.sink.Publish(Event{Kind: EventImageUpdated})
		return stateNextStep
	}

	var est ZEstimate
	templateMode := s.cfg.GetFitMode().usesZTemplate()
	if templateMode {
		tmpl := s.store.Line()
		if tmpl == nil {
			s.store.EnsureLine(s.zline, s.best[2], channels)
			tmpl = s.store.Line()
		}
		est = s.est.FitZTemplate(s.zprof, tmpl, channel, s.best[2])
	} else {
		est = s.est.FitZ(s.zprof, channel, surface)
	}

	s.best[2], s.sigma[2] = s.validator.Validate(est.Fit, s.stepStart[2], s.ranges[2], s.cfg.GetZSize()/2)

	// The reported fit profile: the realigned template for a template
	// match, the sampled Gaussian for a parametric fit.
	if templateMode && est.Fit.Success {
		tmpl := s.store.Line()
		s.zFitCurve = RealignTemplate(tmpl.Channel(channel), est.PixelShift, len(s.zprof.Z))
	} else {
		s.zFitCurve = est.FitCurve
	}

	s.sink.Publish(Event{Kind: EventImageUpdated})
	return stateNextStep
}

// abortScan marks the run as failed by hardware. A failed run reports the
// unmodified starting position.
func (s *Sequencer) abortScan() {
	s.scanFailed = true
	s.best = s.initial
	s.sigma = [3]float64{}
}

func (s *Sequencer) finish() {
	s.mu.Lock()
	s.status = StatusFinishing
	s.mu.Unlock()

	s.killScanner()
	s.finishCommon(s.runStatus())
}

// finishWithoutScan reports a run that never acquired the device.
func (s *Sequencer) finishWithoutScan(status string) {
	s.mu.Lock()
	s.status = StatusFinishing
	s.mu.Unlock()
	s.finishCommon(status)
}

func (s *Sequencer) runStatus() string {
	if s.scanFailed {
		return "failed"
	}
	if s.stopped() {
		return "aborted"
	}
	return "completed"
}

func (s *Sequencer) finishCommon(status string) {
	mode := s.cfg.GetFitMode()
	cursor := s.cfg.GetTemplateCursor()
	if mode.usesXYTemplate() {
		s.initial[0] += cursor[0]
		s.initial[1] += cursor[1]
		s.best[0] += cursor[0]
		s.best[1] += cursor[1]
	}
	if mode.usesZTemplate() {
		s.initial[2] += cursor[2]
		s.best[2] += cursor[2]
	}

	if dir := s.cfg.GetPlotDir(); dir != "" && s.PlotFunc != nil && s.zprof != nil {
		if err := s.PlotFunc(dir, s.zprof.Z, s.zprof.Channel(s.cfg.GetFitChannel()), s.zFitCurve); err != nil {
			s.logger.Printf("[sequencer] writing profile plot: %v", err)
		}
	}

	s.logger.Printf("[sequencer] optimised from (%.3e, %.3e, %.3e) to local maximum at (%.3e, %.3e, %.3e)",
		s.initial[0], s.initial[1], s.initial[2], s.best[0], s.best[1], s.best[2])

	if s.Recorder != nil {
		rec := RunRecord{
			ID:         s.runID,
			CallerTag:  s.callerTag,
			Status:     status,
			Start:      s.initial,
			Final:      s.best,
			Sigma:      s.sigma,
			StartedAt:  s.startedAt,
			FinishedAt: time.Now(),
		}
		if err := s.Recorder.RecordRun(rec); err != nil {
			s.logger.Printf("[sequencer] recording run: %v", err)
		}
	}

	nAxes := len(s.dev.ScannerAxes())
	final := []float64{s.best[0], s.best[1], s.best[2], 0}
	if nAxes < len(final) {
		final = final[:nAxes]
	}
	s.sink.Publish(Event{Kind: EventRunFinished, Tag: s.callerTag, Position: final})

	s.mu.Lock()
	s.status = StatusIdle
	s.stopRequested = false
	s.mu.Unlock()
}

// BestPosition returns the most recent best estimate and its uncertainty.
// Run results belong to the run goroutine until the run-finished event has
// been published or Wait has returned; only then may they be read.
func (s *Sequencer) BestPosition() (pos, sigma [3]float64) {
	return s.best, s.sigma
}

// LastImage returns a copy of the most recent XY calibration image. Same
// visibility rule as BestPosition.
func (s *Sequencer) LastImage() *XYImage {
	return s.img.Clone()
}

// LastZProfile returns a copy of the most recent Z profile. Same
// visibility rule as BestPosition.
func (s *Sequencer) LastZProfile() *ZProfile {
	return s.zprof.Clone()
}

// ZFitData returns the most recent reported fit profile. Same visibility
// rule as BestPosition.
func (s *Sequencer) ZFitData() []float64 {
	return append([]float64(nil), s.zFitCurve...)
}

// SetClockFrequency updates the scan clock. Rejected while a run is in
// flight. templateHz, when non-nil, updates the capture clock as well.
func (s *Sequencer) SetClockFrequency(hz int, templateHz *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return ErrAlreadyRunning
	}
	s.cfg.ClockFrequencyHz = &hz
	if templateHz != nil {
		s.cfg.TemplateClockFrequencyHz = templateHz
	}
	s.sink.Publish(Event{Kind: EventClockFrequencyChanged, FrequencyHz: hz})
	return nil
}

// SetXYSize updates the XY scan window size and notifies listeners.
// Rejected while a run is in flight: the run goroutine reads the config
// without a lock, so the window must not move under it.
func (s *Sequencer) SetXYSize(size float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return ErrAlreadyRunning
	}
	s.cfg.XYSize = &size
	s.sink.Publish(Event{Kind: EventXYSizeChanged})
	return nil
}

// SetZSize updates the Z scan window size and notifies listeners.
// Rejected while a run is in flight, like SetXYSize.
func (s *Sequencer) SetZSize(size float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return ErrAlreadyRunning
	}
	s.cfg.ZSize = &size
	s.sink.Publish(Event{Kind: EventZSizeChanged})
	return nil
}

// SetPosition tracks an externally driven focus position (the crosshair)
// and notifies listeners. Nil components are left unchanged.
func (s *Sequencer) SetPosition(tag string, x, y, z *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if x != nil {
		s.crosshair[0] = *x
	}
	if y != nil {
		s.crosshair[1] = *y
	}
	if z != nil {
		s.crosshair[2] = *z
	}
	s.sink.Publish(Event{
		Kind:     EventPositionChanged,
		Tag:      tag,
		Position: []float64{s.crosshair[0], s.crosshair[1], s.crosshair[2]},
	})
}
