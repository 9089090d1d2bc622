package worker

import "fmt"

// ResultType tags the outcome of a worker turn.
type ResultType string

const (
	// ResultDone means the worker finished its turn; the next snapshot is committed.
	ResultDone ResultType = "done"
	// ResultError routes to recovery without committing.
	ResultError ResultType = "error"
	// ResultCancel means the user aborted; recovery decides whether to exit.
	ResultCancel ResultType = "cancel"
	// ResultExit stops the orchestrator loop.
	ResultExit ResultType = "exit"
	// ResultInputRequired asks the user to edit the listed locations.
	ResultInputRequired ResultType = "input_required"
	// ResultDescribeFiles asks for file annotations before continuing.
	ResultDescribeFiles ResultType = "describe_files_needed"
	// ResultExternalDocs asks for documentation to be fetched.
	ResultExternalDocs ResultType = "external_docs_needed"
	// ResultImportProject asks to import an existing codebase.
	ResultImportProject ResultType = "import_project"
	// ResultUpdateSpecification asks the spec writer to revise the specification.
	ResultUpdateSpecification ResultType = "update_specification"
)

// Valid reports whether t is a known result type.
func (t ResultType) Valid() bool {
	switch t {
	case ResultDone, ResultError, ResultCancel, ResultExit, ResultInputRequired,
		ResultDescribeFiles, ResultExternalDocs, ResultImportProject, ResultUpdateSpecification:
		return true
	}
	return false
}

// Location points at a place in the workspace that needs attention.
type Location struct {
	File string `json:"file" mapstructure:"file"`
	Line int    `json:"line,omitempty" mapstructure:"line"`
}

// Result is what a worker returns for one turn. The orchestrator fills Worker when
// the worker leaves it empty.
type Result struct {
	Type      ResultType     `json:"type" mapstructure:"type"`
	Message   string         `json:"message,omitempty" mapstructure:"message"`
	Details   map[string]any `json:"details,omitempty" mapstructure:"details"`
	Locations []Location     `json:"locations,omitempty" mapstructure:"locations"`
	Files     []string       `json:"files,omitempty" mapstructure:"files"`
	// Worker is the kind that produced the result, not the worker instance. Workers
	// are built per turn, so the kind is all that reduction and routing read.
	Worker Kind `json:"worker,omitempty" mapstructure:"worker"`
}

// Is reports whether the result has type t.
func (r Result) Is(t ResultType) bool {
	return r.Type == t
}

// From returns a copy of r attributed to kind.
func (r Result) From(kind Kind) Result {
	r.Worker = kind
	return r
}

func (r Result) String() string {
	if r.Message == "" {
		return string(r.Type)
	}
	return fmt.Sprintf("%s: %s", r.Type, r.Message)
}

func Done() Result { return Result{Type: ResultDone} }

// Error reports a declared failure, routed to recovery.
func Error(message string, details map[string]any) Result {
	return Result{Type: ResultError, Message: message, Details: details}
}

func Errorf(format string, args ...any) Result {
	return Result{Type: ResultError, Message: fmt.Sprintf(format, args...)}
}

func Cancel() Result { return Result{Type: ResultCancel} }

func Exit() Result { return Result{Type: ResultExit} }

// InputRequired asks the user to look at the given locations.
func InputRequired(message string, locations ...Location) Result {
	return Result{Type: ResultInputRequired, Message: message, Locations: locations}
}

// DescribeFiles asks for annotations of the given paths.
func DescribeFiles(paths ...string) Result {
	return Result{Type: ResultDescribeFiles, Files: paths}
}

func ExternalDocs() Result { return Result{Type: ResultExternalDocs} }

func ImportProject() Result { return Result{Type: ResultImportProject} }

// UpdateSpecification asks for the specification to be revised with message.
func UpdateSpecification(message string) Result {
	return Result{Type: ResultUpdateSpecification, Message: message}
}
