package calibration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/inertial-tools/mti-capture/internal/mti"
)

// SupportedFirmware is the only firmware revision that implements the
// rate-of-turn offset message set. Every other revision skips calibration.
const SupportedFirmware = "1.13.0"

// ErrNoOriginalBias is returned when the operator rejects an estimate but
// no original bias was ever captured. The correct fallback is genuinely
// unknown in that situation, so the workflow refuses to guess and
// requires explicit operator input instead.
var ErrNoOriginalBias = errors.New("no original bias captured to restore")

// Outcome is the terminal result of a calibration workflow.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRestored Outcome = "restored"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// State tracks the workflow's position in the calibration sequence.
type State int

const (
	StateIdle State = iota
	StateReadingOriginal
	StateZeroing
	StateMeasuring
	StateEstimating
	StateAwaitingDecision
	StateApplying
	StateRestoring
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadingOriginal:
		return "reading-original"
	case StateZeroing:
		return "zeroing"
	case StateMeasuring:
		return "measuring"
	case StateEstimating:
		return "estimating"
	case StateAwaitingDecision:
		return "awaiting-decision"
	case StateApplying:
		return "applying"
	case StateRestoring:
		return "restoring"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Result is the outcome of one calibration workflow run.
type Result struct {
	OriginalBias    *mti.Bias
	EstimatedBias   mti.Bias
	EstimatedStdDev mti.Bias
	QualityGood     bool
	Outcome         Outcome
}

// Decider resolves the awaiting-decision state: an external actor accepts
// or rejects the estimate. The quality signal on the estimate is advisory
// information for that actor, never an automatic gate.
type Decider interface {
	Decide(Estimate) (apply bool, err error)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(Estimate) (bool, error)

func (f DeciderFunc) Decide(e Estimate) (bool, error) {
	return f(e)
}

// WithWorkflowLogger sets the logger for the workflow.
func WithWorkflowLogger(logger *slog.Logger) func(*Workflow) {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// Workflow drives the closed-loop bias calibration around an independent
// recording session: Begin brackets the front (read the original offset,
// zero it), the recording itself is owned by the caller, and Finish
// estimates from the recorded gyro channel and applies or restores per the
// operator's decision. The workflow holds the session for its whole run
// but never closes it; session teardown stays with the caller.
type Workflow struct {
	session *mti.Session
	logger  *slog.Logger

	state    State
	skipped  bool
	original *mti.Bias
}

// NewWorkflow creates a workflow over an open session.
func NewWorkflow(session *mti.Session, options ...func(*Workflow)) *Workflow {
	w := Workflow{
		session: session,
		state:   StateIdle,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&w)
	}

	return &w
}

// State returns the workflow's current state.
func (w *Workflow) State() State {
	return w.state
}

// OriginalBias returns the offset captured by Begin, or nil when none was
// read.
func (w *Workflow) OriginalBias() *mti.Bias {
	return w.original
}

// Supported reports whether the session's firmware carries the calibration
// message set.
func (w *Workflow) Supported() bool {
	return w.session.Info().FirmwareVersion == SupportedFirmware
}

// Begin runs the pre-recording half: read the current offset and zero it.
// On unsupported firmware it moves straight to done without sending a
// single calibration message. Read and write failures here are downgraded
// to warnings, the primary recording must survive a calibration hiccup.
func (w *Workflow) Begin(ctx context.Context) error {
	if !w.Supported() {
		w.logger.Info("firmware does not support bias calibration, skipping",
			slog.String("firmwareVersion", w.session.Info().FirmwareVersion),
			slog.String("required", SupportedFirmware))
		w.skipped = true
		w.state = StateDone
		return nil
	}

	w.state = StateReadingOriginal
	if err := w.session.EnterConfig(ctx); err != nil {
		w.logger.Warn("could not enter config mode for bias read, proceeding without baseline",
			slog.String("error", err.Error()))
		w.state = StateMeasuring
		return nil
	}

	if original, err := w.session.ReadBias(ctx); err != nil {
		w.logger.Warn("could not read original bias, proceeding without baseline",
			slog.String("error", err.Error()))
	} else {
		w.original = &original
		w.logger.Info("original bias captured",
			slog.Float64("x", original.X),
			slog.Float64("y", original.Y),
			slog.Float64("z", original.Z))
	}

	w.state = StateZeroing
	if err := w.session.WriteBias(ctx, mti.Bias{}); err != nil {
		w.logger.Warn("could not zero bias, measuring with the device's current offset",
			slog.String("error", err.Error()))
	}

	if err := w.session.EnterMeasurement(ctx); err != nil {
		w.state = StateFailed
		return fmt.Errorf("returning to measurement after bias setup: %w", err)
	}

	w.state = StateMeasuring
	return nil
}

// Finish runs the post-recording half on the gyro channel extracted from
// the recorded session (deg/s). On estimation failure it restores the
// original bias best-effort and reports a failed outcome. On success the
// decision goes to the decider with the advisory quality flag; accept
// applies the new offset, reject restores the original.
func (w *Workflow) Finish(ctx context.Context, gyro []mti.Vector, decider Decider) (Result, error) {
	if w.skipped {
		return Result{Outcome: OutcomeSkipped}, nil
	}

	w.state = StateEstimating
	estimate, err := EstimateBias(gyro)
	if err != nil {
		w.restoreBestEffort(ctx)
		w.state = StateFailed
		return Result{OriginalBias: w.original, Outcome: OutcomeFailed}, fmt.Errorf("estimating bias: %w", err)
	}

	result := Result{
		OriginalBias:    w.original,
		EstimatedBias:   estimate.Mean,
		EstimatedStdDev: estimate.StdDev,
		QualityGood:     estimate.QualityGood(),
	}

	w.logger.Info("bias estimated",
		slog.Float64("x", estimate.Mean.X),
		slog.Float64("y", estimate.Mean.Y),
		slog.Float64("z", estimate.Mean.Z),
		slog.Float64("stddevX", estimate.StdDev.X),
		slog.Float64("stddevY", estimate.StdDev.Y),
		slog.Float64("stddevZ", estimate.StdDev.Z),
		slog.Bool("qualityGood", result.QualityGood),
		slog.Int("samples", estimate.Samples))

	w.state = StateAwaitingDecision
	apply, err := decider.Decide(estimate)
	if err != nil {
		w.state = StateFailed
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("resolving calibration decision: %w", err)
	}

	if apply {
		w.state = StateApplying
		if err = w.writeBias(ctx, estimate.Mean); err != nil {
			w.state = StateFailed
			result.Outcome = OutcomeFailed
			return result, fmt.Errorf("applying new bias: %w", err)
		}

		w.state = StateDone
		result.Outcome = OutcomeApplied
		w.logger.Info("new bias applied")
		return result, nil
	}

	w.state = StateRestoring
	if w.original == nil {
		w.state = StateFailed
		result.Outcome = OutcomeFailed
		return result, ErrNoOriginalBias
	}

	if err = w.writeBias(ctx, *w.original); err != nil {
		w.state = StateFailed
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("restoring original bias: %w", err)
	}

	w.state = StateDone
	result.Outcome = OutcomeRestored
	w.logger.Info("original bias restored")
	return result, nil
}

// writeBias performs one config-mode bias write and returns the device to
// measurement mode.
func (w *Workflow) writeBias(ctx context.Context, b mti.Bias) error {
	if err := w.session.EnterConfig(ctx); err != nil {
		return err
	}
	if err := w.session.WriteBias(ctx, b); err != nil {
		return err
	}
	return w.session.EnterMeasurement(ctx)
}

func (w *Workflow) restoreBestEffort(ctx context.Context) {
	if w.original == nil {
		return
	}
	if err := w.writeBias(ctx, *w.original); err != nil {
		w.logger.Warn("best-effort restore of original bias failed",
			slog.String("error", err.Error()))
	}
}
