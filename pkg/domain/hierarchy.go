package domain

// BootstrapSource marks the epic created while the project is being set up.
const BootstrapSource = "bootstrap"

// TaskStatus is the lifecycle status of a task. Only TaskDone completes a task.
type TaskStatus string

const (
	TaskTodo        TaskStatus = "todo"
	TaskInProgress  TaskStatus = "in_progress"
	TaskReviewed    TaskStatus = "reviewed"
	TaskDocumented  TaskStatus = "documented"
	TaskEpicUpdated TaskStatus = "epic_updated"
	TaskDone        TaskStatus = "done"
	TaskSkipped     TaskStatus = "skipped"
)

// IterationStatus is the lifecycle status of an iteration. Only IterationDone completes it.
type IterationStatus string

const (
	IterationCheckLogs               IterationStatus = "check_logs"
	IterationAwaitingLogging         IterationStatus = "awaiting_logging"
	IterationAwaitingUserTest        IterationStatus = "awaiting_user_test"
	IterationAwaitingBugFix          IterationStatus = "awaiting_bug_fix"
	IterationAwaitingBugReproduction IterationStatus = "awaiting_bug_reproduction"
	IterationStartPairProgramming    IterationStatus = "start_pair_programming"
	IterationImplementSolution       IterationStatus = "implement_solution"
	IterationFindSolution            IterationStatus = "find_solution"
	IterationProblemSolver           IterationStatus = "problem_solver"
	IterationNewFeatureRequested     IterationStatus = "new_feature_requested"
	IterationDone                    IterationStatus = "done"
)

// StepKind is the declared kind of a step.
type StepKind string

const (
	StepCommand           StepKind = "command"
	StepSaveFile          StepKind = "save_file"
	StepHumanIntervention StepKind = "human_intervention"
	StepUtilityFunction   StepKind = "utility_function"
	StepReviewTask        StepKind = "review_task"
	StepCreateReadme      StepKind = "create_readme"
)

// Epic groups tasks. Unknown persisted keys are kept in Extra.
type Epic struct {
	ID          string         `json:"id" mapstructure:"id"`
	Name        string         `json:"name" mapstructure:"name"`
	Description string         `json:"description" mapstructure:"description"`
	Source      string         `json:"source" mapstructure:"source"`
	Completed   bool           `json:"completed" mapstructure:"completed"`
	Extra       map[string]any `json:"-" mapstructure:",remain"`
}

// IsBootstrap reports whether the epic belongs to project setup.
func (e Epic) IsBootstrap() bool { return e.Source == BootstrapSource }

func (e Epic) clone() Epic {
	e.Extra = cloneMap(e.Extra)
	return e
}

// Task is a unit of development within the current epic.
type Task struct {
	ID           string         `json:"id" mapstructure:"id"`
	Description  string         `json:"description" mapstructure:"description"`
	Instructions string         `json:"instructions,omitempty" mapstructure:"instructions"`
	Status       TaskStatus     `json:"status" mapstructure:"status"`
	Extra        map[string]any `json:"-" mapstructure:",remain"`
}

func (t Task) clone() Task {
	t.Extra = cloneMap(t.Extra)
	return t
}

// Iteration is a feedback round on the current task.
type Iteration struct {
	ID               string           `json:"id" mapstructure:"id"`
	Status           IterationStatus  `json:"status" mapstructure:"status"`
	Description      string           `json:"description,omitempty" mapstructure:"description"`
	UserFeedback     string           `json:"user_feedback,omitempty" mapstructure:"user_feedback"`
	BugHuntingCycles []map[string]any `json:"bug_hunting_cycles,omitempty" mapstructure:"bug_hunting_cycles"`
	Extra            map[string]any   `json:"-" mapstructure:",remain"`
}

func (it Iteration) clone() Iteration {
	it.BugHuntingCycles = cloneRecords(it.BugHuntingCycles)
	it.Extra = cloneMap(it.Extra)
	return it
}

// StepPayload is the kind-specific data of a step.
type StepPayload interface {
	stepPayload()
}

// CommandPayload runs a shell command. Timeout is in seconds; zero means the runner default.
type CommandPayload struct {
	Command        string `json:"command" mapstructure:"command"`
	Timeout        int    `json:"timeout,omitempty" mapstructure:"timeout"`
	SuccessMessage string `json:"success_message,omitempty" mapstructure:"success_message"`
}

// SaveFilePayload writes a file.
type SaveFilePayload struct {
	Path    string `json:"path" mapstructure:"path"`
	Content string `json:"content,omitempty" mapstructure:"content"`
}

// HumanInterventionPayload asks the user to do something by hand.
type HumanInterventionPayload struct {
	Description string `json:"description" mapstructure:"description"`
}

// UtilityFunctionPayload describes a helper function to implement.
type UtilityFunctionPayload struct {
	File        string `json:"file" mapstructure:"file"`
	Function    string `json:"function" mapstructure:"function"`
	Description string `json:"description,omitempty" mapstructure:"description"`
}

// EmptyPayload is used by kinds that carry no data.
type EmptyPayload struct{}

func (CommandPayload) stepPayload()           {}
func (SaveFilePayload) stepPayload()          {}
func (HumanInterventionPayload) stepPayload() {}
func (UtilityFunctionPayload) stepPayload()   {}
func (EmptyPayload) stepPayload()             {}

// Step is one action within the current task.
type Step struct {
	ID        string
	Kind      StepKind
	Completed bool
	Payload   StepPayload
	Extra     map[string]any
}

// Command returns the command payload, if the step carries one.
func (s Step) Command() (CommandPayload, bool) {
	p, ok := s.Payload.(CommandPayload)
	return p, ok
}

// SaveFile returns the save-file payload, if the step carries one.
func (s Step) SaveFile() (SaveFilePayload, bool) {
	p, ok := s.Payload.(SaveFilePayload)
	return p, ok
}

// HumanIntervention returns the human-intervention payload, if the step carries one.
func (s Step) HumanIntervention() (HumanInterventionPayload, bool) {
	p, ok := s.Payload.(HumanInterventionPayload)
	return p, ok
}

// UtilityFunction returns the utility-function payload, if the step carries one.
func (s Step) UtilityFunction() (UtilityFunctionPayload, bool) {
	p, ok := s.Payload.(UtilityFunctionPayload)
	return p, ok
}

func (s Step) clone() Step {
	s.Extra = cloneMap(s.Extra)
	return s
}

// Doc is a fetched documentation snippet attached to the current task.
type Doc struct {
	Key         string `json:"key" mapstructure:"key"`
	Description string `json:"desc,omitempty" mapstructure:"desc"`
	Content     string `json:"content,omitempty" mapstructure:"content"`
}
