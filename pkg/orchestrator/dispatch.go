package orchestrator

import (
	"errors"
	"fmt"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

var (
	// ErrUnknownStepKind is returned when the current step has a kind no worker handles.
	ErrUnknownStepKind = errors.New("unknown step kind")
	// ErrUnknownIterationStatus is returned when the current iteration has an unhandled status.
	ErrUnknownIterationStatus = errors.New("unknown iteration status")
	// ErrUnknownResultType is returned when the previous result carries an unknown tag.
	ErrUnknownResultType = errors.New("unknown result type")
)

// DispatchError reports why no worker could be chosen.
type DispatchError struct {
	Field string
	Value string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch: %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Plan is the decision for one turn: the worker kind and, for step-driven kinds, the
// steps it runs on. Several steps mean one concurrent worker per step.
type Plan struct {
	Kind  worker.Kind   `json:"kind"`
	Steps []domain.Step `json:"steps,omitempty"`
}

// Parallel reports whether the plan fans out.
func (p Plan) Parallel() bool { return len(p.Steps) > 1 }

var controlKinds = map[worker.ResultType]worker.Kind{
	worker.ResultError:               worker.KindRecovery,
	worker.ResultCancel:              worker.KindRecovery,
	worker.ResultInputRequired:       worker.KindHumanIntervention,
	worker.ResultDescribeFiles:       worker.KindFileAnnotation,
	worker.ResultImportProject:       worker.KindImport,
	worker.ResultExternalDocs:        worker.KindDocsFetch,
	worker.ResultUpdateSpecification: worker.KindSpecWriter,
}

var stepKinds = map[domain.StepKind]worker.Kind{
	domain.StepCommand:           worker.KindCommand,
	domain.StepSaveFile:          worker.KindFileWrite,
	domain.StepHumanIntervention: worker.KindHumanIntervention,
	domain.StepReviewTask:        worker.KindCodeReview,
	domain.StepCreateReadme:      worker.KindReadme,
	domain.StepUtilityFunction:   worker.KindUtilityFunction,
}

var iterationKinds = map[domain.IterationStatus]worker.Kind{
	domain.IterationCheckLogs:               worker.KindBugHunt,
	domain.IterationAwaitingUserTest:        worker.KindBugHunt,
	domain.IterationAwaitingBugReproduction: worker.KindBugHunt,
	domain.IterationStartPairProgramming:    worker.KindPairProgramming,
	domain.IterationAwaitingLogging:         worker.KindLogging,
	domain.IterationAwaitingBugFix:          worker.KindBugFix,
	domain.IterationImplementSolution:       worker.KindBugFix,
	domain.IterationFindSolution:            worker.KindSolutionSearch,
	domain.IterationProblemSolver:           worker.KindProblemSolving,
	domain.IterationNewFeatureRequested:     worker.KindNewFeature,
}

// Dispatch decides which worker runs next. It reads only its arguments.
func Dispatch(current *domain.Snapshot, prev *worker.Result) (Plan, error) {
	if prev != nil && prev.Type != worker.ResultDone {
		kind, ok := controlKinds[prev.Type]
		if !ok {
			return Plan{}, &DispatchError{Field: "result", Value: string(prev.Type), Err: ErrUnknownResultType}
		}
		return Plan{Kind: kind}, nil
	}

	if len(current.Epics()) == 0 {
		return Plan{Kind: worker.KindBootstrap}, nil
	}
	if epic, ok := current.CurrentEpic(); ok && epic.IsBootstrap() {
		return Plan{Kind: worker.KindBootstrap}, nil
	}

	spec := current.Specification()
	if spec.Description == "" {
		return Plan{Kind: worker.KindSpecWriter}, nil
	}
	if spec.Architecture == "" {
		return Plan{Kind: worker.KindDesign}, nil
	}
	if len(current.UnfinishedTasks()) == 0 || (len(spec.Templates) > 0 && !current.HasFiles()) {
		return Plan{Kind: worker.KindPlanning}, nil
	}

	task, _ := current.CurrentTask()
	switch task.Status {
	case domain.TaskReviewed:
		return Plan{Kind: worker.KindDocumentation}, nil
	case domain.TaskDocumented, domain.TaskSkipped:
		return Plan{Kind: worker.KindTaskCompletion}, nil
	}

	if len(current.Steps()) == 0 && len(current.Iterations()) == 0 {
		return Plan{Kind: worker.KindBreakdown}, nil
	}

	if step, ok := current.CurrentStep(); ok {
		kind, known := stepKinds[step.Kind]
		if !known {
			return Plan{}, &DispatchError{Field: "step kind", Value: string(step.Kind), Err: ErrUnknownStepKind}
		}
		if step.Kind == domain.StepSaveFile {
			return Plan{Kind: kind, Steps: saveFileBatch(current.UnfinishedStepsOfKind(domain.StepSaveFile))}, nil
		}
		return Plan{Kind: kind, Steps: []domain.Step{step}}, nil
	}

	if it, ok := current.CurrentIteration(); ok {
		kind, known := iterationKinds[it.Status]
		if !known {
			return Plan{}, &DispatchError{Field: "iteration status", Value: string(it.Status), Err: ErrUnknownIterationStatus}
		}
		return Plan{Kind: kind}, nil
	}

	return Plan{Kind: worker.KindTaskReview}, nil
}

// saveFileBatch returns the first unfinished save_file step for every path. Steps of
// other kinds between them do not split the batch; a later step for a path already in
// the batch waits for a following turn.
func saveFileBatch(unfinished []domain.Step) []domain.Step {
	seen := map[string]bool{}
	var batch []domain.Step
	for _, st := range unfinished {
		payload, _ := st.SaveFile()
		if seen[payload.Path] {
			continue
		}
		seen[payload.Path] = true
		batch = append(batch, st)
	}
	return batch
}

// Phase names the implicit state of the build, derived from the same predicates as Dispatch.
type Phase string

const (
	PhaseBootstrap Phase = "Bootstrap"
	PhaseSpecify   Phase = "Specify"
	PhaseDesign    Phase = "Design"
	PhasePlan      Phase = "Plan"
	PhaseBreakdown Phase = "Breakdown"
	PhaseExecute   Phase = "Execute"
	PhaseIterate   Phase = "Iterate"
	PhaseReview    Phase = "Review"
	PhaseError     Phase = "Error"
	PhaseExit      Phase = "Exit"
)

// PhaseOf returns the phase of current given the previous result. It is used for logging.
func PhaseOf(current *domain.Snapshot, prev *worker.Result) Phase {
	if prev != nil {
		switch prev.Type {
		case worker.ResultError, worker.ResultCancel:
			return PhaseError
		case worker.ResultExit:
			return PhaseExit
		}
	}
	plan, err := Dispatch(current, nil)
	if err != nil {
		return PhaseError
	}
	switch plan.Kind {
	case worker.KindBootstrap:
		return PhaseBootstrap
	case worker.KindSpecWriter:
		return PhaseSpecify
	case worker.KindDesign:
		return PhaseDesign
	case worker.KindPlanning:
		return PhasePlan
	case worker.KindBreakdown:
		return PhaseBreakdown
	case worker.KindDocumentation, worker.KindTaskCompletion, worker.KindTaskReview:
		return PhaseReview
	}
	if _, ok := current.CurrentStep(); ok {
		return PhaseExecute
	}
	return PhaseIterate
}
