/*
Package worker defines the contract between the orchestrator and the units of work it runs.

A worker reads the committed snapshot (Current), writes only to the mutable one (Next)
and reports a Result. Returning an error from Run is fatal for the whole loop;
recoverable failures are reported as an Error result instead.
*/
package worker

import (
	"context"
	"log/slog"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
)

// Kind names a worker. The set is closed: the orchestrator only dispatches these.
type Kind string

const (
	KindBootstrap         Kind = "bootstrap"
	KindSpecWriter        Kind = "spec_writer"
	KindDesign            Kind = "design"
	KindPlanning          Kind = "planning"
	KindBreakdown         Kind = "breakdown"
	KindDocumentation     Kind = "documentation"
	KindTaskCompletion    Kind = "task_completion"
	KindCommand           Kind = "command"
	KindFileWrite         Kind = "file_write"
	KindHumanIntervention Kind = "human_intervention"
	KindCodeReview        Kind = "code_review"
	KindReadme            Kind = "readme"
	KindUtilityFunction   Kind = "utility_function"
	KindBugHunt           Kind = "bug_hunt"
	KindPairProgramming   Kind = "pair_programming"
	KindLogging           Kind = "logging"
	KindBugFix            Kind = "bug_fix"
	KindSolutionSearch    Kind = "solution_search"
	KindProblemSolving    Kind = "problem_solving"
	KindNewFeature        Kind = "new_feature"
	KindTaskReview        Kind = "task_review"
	KindRecovery          Kind = "recovery"
	KindFileAnnotation    Kind = "file_annotation"
	KindImport            Kind = "import"
	KindDocsFetch         Kind = "docs_fetch"
)

var allKinds = []Kind{
	KindBootstrap, KindSpecWriter, KindDesign, KindPlanning, KindBreakdown,
	KindDocumentation, KindTaskCompletion, KindCommand, KindFileWrite,
	KindHumanIntervention, KindCodeReview, KindReadme, KindUtilityFunction,
	KindBugHunt, KindPairProgramming, KindLogging, KindBugFix, KindSolutionSearch,
	KindProblemSolving, KindNewFeature, KindTaskReview, KindRecovery,
	KindFileAnnotation, KindImport, KindDocsFetch,
}

// Kinds returns every known kind.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Worker runs one turn.
type Worker interface {
	Kind() Kind
	Run(ctx context.Context) (Result, error)
}

// State is the two-slot view of project state handed to workers.
type State interface {
	// Current is the last committed snapshot. It is frozen.
	Current() *domain.Snapshot
	// Next is the mutable snapshot that the next commit persists.
	Next() *domain.Snapshot
	// SaveFile writes the workspace file and records it in Next.
	SaveFile(ctx context.Context, path string, content []byte, meta map[string]any) error
	// LogCommand records a subprocess run. Failures are logged, not returned.
	LogCommand(ctx context.Context, l ports.CommandLog)
}

// Deps is what a worker is constructed with.
type Deps struct {
	State  State
	UI     ports.UI
	Prev   *Result
	Step   *domain.Step
	Logger *slog.Logger
}

// Factory constructs a worker for one turn.
type Factory func(Deps) (Worker, error)
