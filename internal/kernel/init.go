package kernel

import (
	"errors"
	"fmt"

	"estakernel/internal/logging"
)

// InitPhase is the bootstrap phase ladder. Phases run strictly in order;
// PhaseFailed is terminal.
type InitPhase int

const (
	PhasePreInit InitPhase = iota
	PhaseCoreInit
	PhaseDriverInit
	PhaseServiceInit
	PhasePostInit
	PhaseComplete
	PhaseFailed
)

// String returns the phase name.
func (p InitPhase) String() string {
	switch p {
	case PhasePreInit:
		return "pre_init"
	case PhaseCoreInit:
		return "core_init"
	case PhaseDriverInit:
		return "driver_init"
	case PhaseServiceInit:
		return "service_init"
	case PhasePostInit:
		return "post_init"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// initPhases is the execution order of the five bootstrap phases.
var initPhases = []InitPhase{PhasePreInit, PhaseCoreInit, PhaseDriverInit, PhaseServiceInit, PhasePostInit}

// initStatus tracks one initializer's outcome.
type initStatus int

const (
	statusPending initStatus = iota
	statusReady
	statusFailed
)

// Initializer is one bootstrap step. Fn runs once, in its declared phase,
// only after every named dependency has already reported ready.
type Initializer struct {
	Name      string
	Phase     InitPhase
	DependsOn []string
	Fn        func(k *Kernel) error
}

// Init-sequencer errors.
var (
	ErrInitFailed     = errors.New("kernel init failed")
	ErrUnmetInitDep   = errors.New("initializer dependency unmet")
	ErrDuplicateInit  = errors.New("initializer name already registered")
	ErrNotInitialized = errors.New("kernel init has not completed")
)

// sequencer drives the phase ladder. A failure anywhere finalizes the whole
// bootstrap to Failed rather than continuing partially initialized.
type sequencer struct {
	inits  []Initializer
	status map[string]initStatus
	errs   []error
}

func newSequencer() *sequencer {
	return &sequencer{status: make(map[string]initStatus)}
}

func (s *sequencer) add(init Initializer) error {
	if _, exists := s.status[init.Name]; exists {
		return ErrDuplicateInit
	}
	s.inits = append(s.inits, init)
	s.status[init.Name] = statusPending
	return nil
}

// seed registers a built-in initializer. A registration error is recorded
// instead of returned; run refuses to start while any is recorded, so a bad
// seed fails the bootstrap rather than vanishing.
func (s *sequencer) seed(init Initializer) {
	if err := s.add(init); err != nil {
		s.errs = append(s.errs, fmt.Errorf("initializer %s: %w", init.Name, err))
	}
}

// run executes every initializer phase by phase. Within a phase, steps run
// as their dependencies become ready; a phase that cannot make progress has
// an unmet dependency and fails the bootstrap.
func (s *sequencer) run(k *Kernel) error {
	if len(s.errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInitFailed, s.errs)
	}
	for _, phase := range initPhases {
		if err := s.runPhase(k, phase); err != nil {
			s.errs = append(s.errs, err)
			return fmt.Errorf("%w: phase %s: %w", ErrInitFailed, phase, err)
		}
	}
	return nil
}

func (s *sequencer) runPhase(k *Kernel, phase InitPhase) error {
	var remaining []*Initializer
	for i := range s.inits {
		if s.inits[i].Phase == phase {
			remaining = append(remaining, &s.inits[i])
		}
	}

	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, init := range remaining {
			if !s.depsReady(init) {
				next = append(next, init)
				continue
			}
			logging.InitLog("init %s (phase=%s)", init.Name, phase)
			if err := init.Fn(k); err != nil {
				s.status[init.Name] = statusFailed
				return fmt.Errorf("initializer %s: %w", init.Name, err)
			}
			s.status[init.Name] = statusReady
			progressed = true
		}
		remaining = next
		if !progressed {
			names := make([]string, len(remaining))
			for i, init := range remaining {
				names[i] = init.Name
			}
			return fmt.Errorf("%w: %v", ErrUnmetInitDep, names)
		}
	}
	return nil
}

func (s *sequencer) depsReady(init *Initializer) bool {
	for _, dep := range init.DependsOn {
		if s.status[dep] != statusReady {
			return false
		}
	}
	return true
}
