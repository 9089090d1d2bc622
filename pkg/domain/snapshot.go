package domain

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is one versioned record of build progress within a branch.
//
// The identity fields are fixed at construction. Everything else is reached through
// methods: readers get copies, and mutations fail with ErrSnapshotFrozen once the
// snapshot has been committed. The "current" item at each level of the hierarchy is
// always derived from the lists, never stored.
type Snapshot struct {
	ID        string
	BranchID  string
	PrevID    string
	StepIndex int
	CreatedAt time.Time

	mu            sync.RWMutex
	frozen        bool
	spec          *Specification
	epics         []Epic
	tasks         []Task
	steps         []Step
	iterations    []Iteration
	knowledge     map[string]any
	files         map[string]File
	relevantFiles []string
	modifiedFiles map[string]string
	docs          []Doc
	runCommand    string
	action        string
}

// NewSnapshot creates the empty first snapshot of a branch.
func NewSnapshot(branchID string) *Snapshot {
	return &Snapshot{
		ID:            uuid.NewString(),
		BranchID:      branchID,
		StepIndex:     1,
		CreatedAt:     time.Now().UTC(),
		spec:          NewSpecification(),
		knowledge:     map[string]any{},
		files:         map[string]File{},
		modifiedFiles: map[string]string{},
	}
}

// Fork creates the next mutable snapshot from s. The hierarchy, knowledge base,
// relevant files, modified files and docs are deep copies; file entries are new
// values pointing at the same content; the specification is shared.
func (s *Snapshot) Fork() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	child := &Snapshot{
		ID:            uuid.NewString(),
		BranchID:      s.BranchID,
		PrevID:        s.ID,
		StepIndex:     s.StepIndex + 1,
		CreatedAt:     time.Now().UTC(),
		spec:          s.spec,
		epics:         cloneEpics(s.epics),
		tasks:         cloneTasks(s.tasks),
		steps:         cloneSteps(s.steps),
		iterations:    cloneIterations(s.iterations),
		knowledge:     cloneMap(s.knowledge),
		files:         make(map[string]File, len(s.files)),
		relevantFiles: cloneStrings(s.relevantFiles),
		modifiedFiles: make(map[string]string, len(s.modifiedFiles)),
		docs:          cloneDocs(s.docs),
		runCommand:    s.runCommand,
	}
	if child.knowledge == nil {
		child.knowledge = map[string]any{}
	}
	for k, v := range s.modifiedFiles {
		child.modifiedFiles[k] = v
	}
	for path, f := range s.files {
		child.files[path] = f.clone()
	}
	return child
}

// Freeze makes the snapshot read-only.
func (s *Snapshot) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether the snapshot has been committed.
func (s *Snapshot) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// write runs fn under the write lock unless the snapshot is frozen.
func (s *Snapshot) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrSnapshotFrozen
	}
	return fn()
}

// Specification returns the shared specification. It must not be modified in place;
// use UpdateSpecification.
func (s *Snapshot) Specification() *Specification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}

// UpdateSpecification applies fn to a private copy of the specification and
// attaches the copy to this snapshot only.
func (s *Snapshot) UpdateSpecification(fn func(*Specification)) error {
	return s.write(func() error {
		spec := s.spec.Clone()
		fn(spec)
		s.spec = spec
		return nil
	})
}

// --- hierarchy reads ---

// Epics returns a copy of all epics.
func (s *Snapshot) Epics() []Epic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEpics(s.epics)
}

// Tasks returns a copy of the tasks of the current epic.
func (s *Snapshot) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTasks(s.tasks)
}

// Steps returns a copy of the steps of the current task.
func (s *Snapshot) Steps() []Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSteps(s.steps)
}

// Iterations returns a copy of the iterations of the current task.
func (s *Snapshot) Iterations() []Iteration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneIterations(s.iterations)
}

// CurrentEpic returns the first epic that is not completed.
func (s *Snapshot) CurrentEpic() (Epic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.currentEpic(); i >= 0 {
		return s.epics[i].clone(), true
	}
	return Epic{}, false
}

// UnfinishedEpics returns every epic that is not completed.
func (s *Snapshot) UnfinishedEpics() []Epic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Epic
	for _, e := range s.epics {
		if !e.Completed {
			out = append(out, e.clone())
		}
	}
	return out
}

// CurrentTask returns the first task that is not done.
func (s *Snapshot) CurrentTask() (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.currentTask(); i >= 0 {
		return s.tasks[i].clone(), true
	}
	return Task{}, false
}

// UnfinishedTasks returns every task that is not done.
func (s *Snapshot) UnfinishedTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status != TaskDone {
			out = append(out, t.clone())
		}
	}
	return out
}

// CurrentStep returns the first step that is not completed.
func (s *Snapshot) CurrentStep() (Step, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.steps {
		if !st.Completed {
			return st.clone(), true
		}
	}
	return Step{}, false
}

// UnfinishedSteps returns every step that is not completed, in order.
func (s *Snapshot) UnfinishedSteps() []Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Step
	for _, st := range s.steps {
		if !st.Completed {
			out = append(out, st.clone())
		}
	}
	return out
}

// UnfinishedStepsOfKind returns the unfinished steps of one kind, in order.
func (s *Snapshot) UnfinishedStepsOfKind(kind StepKind) []Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Step
	for _, st := range s.steps {
		if !st.Completed && st.Kind == kind {
			out = append(out, st.clone())
		}
	}
	return out
}

// CurrentIteration returns the first iteration that is not done.
func (s *Snapshot) CurrentIteration() (Iteration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.currentIteration(); i >= 0 {
		return s.iterations[i].clone(), true
	}
	return Iteration{}, false
}

// UnfinishedIterations returns every iteration that is not done.
func (s *Snapshot) UnfinishedIterations() []Iteration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Iteration
	for _, it := range s.iterations {
		if it.Status != IterationDone {
			out = append(out, it.clone())
		}
	}
	return out
}

func (s *Snapshot) currentEpic() int {
	for i, e := range s.epics {
		if !e.Completed {
			return i
		}
	}
	return -1
}

func (s *Snapshot) currentTask() int {
	for i, t := range s.tasks {
		if t.Status != TaskDone {
			return i
		}
	}
	return -1
}

func (s *Snapshot) currentIteration() int {
	for i, it := range s.iterations {
		if it.Status != IterationDone {
			return i
		}
	}
	return -1
}

// --- completion ---

// CompleteStep marks the first unfinished step of the given kind as completed.
func (s *Snapshot) CompleteStep(kind StepKind) error {
	return s.write(func() error {
		for i := range s.steps {
			if !s.steps[i].Completed && s.steps[i].Kind == kind {
				s.steps[i].Completed = true
				return nil
			}
		}
		return fmt.Errorf("%w: no unfinished %s step", ErrNothingToComplete, kind)
	})
}

// CompleteStepByID marks a specific step as completed. Concurrent workers that each
// own one step use this instead of CompleteStep.
func (s *Snapshot) CompleteStepByID(id string) error {
	return s.write(func() error {
		for i := range s.steps {
			if s.steps[i].ID != id {
				continue
			}
			if s.steps[i].Completed {
				return fmt.Errorf("%w: step %s already completed", ErrNothingToComplete, id)
			}
			s.steps[i].Completed = true
			return nil
		}
		return fmt.Errorf("%w: %s", ErrStepNotFound, id)
	})
}

// CompleteTask marks the current task done and resets the per-task state: steps,
// iterations, relevant files, modified files and docs. When it was the last
// unfinished task, the current epic is completed as well.
func (s *Snapshot) CompleteTask() error {
	return s.write(func() error {
		i := s.currentTask()
		if i < 0 {
			return fmt.Errorf("%w: no unfinished tasks", ErrNothingToComplete)
		}
		s.tasks[i].Status = TaskDone
		s.steps = []Step{}
		s.iterations = []Iteration{}
		s.relevantFiles = nil
		s.modifiedFiles = map[string]string{}
		s.docs = nil

		if s.currentTask() < 0 && s.currentEpic() >= 0 {
			return s.completeEpic()
		}
		return nil
	})
}

// CompleteEpic marks the current epic completed and clears its task list.
// Docs are left untouched.
func (s *Snapshot) CompleteEpic() error {
	return s.write(s.completeEpic)
}

func (s *Snapshot) completeEpic() error {
	i := s.currentEpic()
	if i < 0 {
		return fmt.Errorf("%w: no unfinished epics", ErrNothingToComplete)
	}
	s.epics[i].Completed = true
	s.tasks = []Task{}
	return nil
}

// CompleteIteration marks the current iteration done and forgets the relevant files.
func (s *Snapshot) CompleteIteration() error {
	return s.write(func() error {
		i := s.currentIteration()
		if i < 0 {
			return fmt.Errorf("%w: no unfinished iterations", ErrNothingToComplete)
		}
		s.iterations[i].Status = IterationDone
		s.relevantFiles = nil
		return nil
	})
}

// SetCurrentTaskStatus changes the status of the current task. Setting TaskDone
// directly is refused; CompleteTask owns that transition.
func (s *Snapshot) SetCurrentTaskStatus(status TaskStatus) error {
	if status == TaskDone {
		return fmt.Errorf("use CompleteTask to finish a task")
	}
	return s.write(func() error {
		i := s.currentTask()
		if i < 0 {
			return fmt.Errorf("%w: no unfinished tasks", ErrNothingToComplete)
		}
		s.tasks[i].Status = status
		return nil
	})
}

// SetCurrentIterationStatus changes the status of the current iteration. Setting
// IterationDone directly is refused; CompleteIteration owns that transition.
func (s *Snapshot) SetCurrentIterationStatus(status IterationStatus) error {
	if status == IterationDone {
		return fmt.Errorf("use CompleteIteration to finish an iteration")
	}
	return s.write(func() error {
		i := s.currentIteration()
		if i < 0 {
			return fmt.Errorf("%w: no unfinished iterations", ErrNothingToComplete)
		}
		s.iterations[i].Status = status
		return nil
	})
}

// --- hierarchy writes ---

// SetEpics replaces the epic list.
func (s *Snapshot) SetEpics(epics []Epic) error {
	return s.write(func() error {
		s.epics = withEpicIDs(cloneEpics(epics))
		return nil
	})
}

// AddEpics appends epics.
func (s *Snapshot) AddEpics(epics ...Epic) error {
	return s.write(func() error {
		s.epics = append(s.epics, withEpicIDs(cloneEpics(epics))...)
		return nil
	})
}

// SetTasks replaces the task list of the current epic.
func (s *Snapshot) SetTasks(tasks []Task) error {
	return s.write(func() error {
		s.tasks = withTaskIDs(cloneTasks(tasks))
		return nil
	})
}

// AddTasks appends tasks to the current epic.
func (s *Snapshot) AddTasks(tasks ...Task) error {
	return s.write(func() error {
		s.tasks = append(s.tasks, withTaskIDs(cloneTasks(tasks))...)
		return nil
	})
}

// SetSteps replaces the steps of the current task.
func (s *Snapshot) SetSteps(steps []Step) error {
	return s.write(func() error {
		out := cloneSteps(steps)
		for i := range out {
			if out[i].ID == "" {
				out[i].ID = uuid.NewString()
			}
			if out[i].Payload == nil {
				out[i].Payload = EmptyPayload{}
			}
		}
		s.steps = out
		return nil
	})
}

// AddIteration appends an iteration to the current task.
func (s *Snapshot) AddIteration(it Iteration) error {
	return s.write(func() error {
		it = it.clone()
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		s.iterations = append(s.iterations, it)
		return nil
	})
}

// Knowledge returns a copy of the knowledge base.
func (s *Snapshot) Knowledge() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.knowledge)
}

// SetKnowledge stores a value in the knowledge base.
func (s *Snapshot) SetKnowledge(key string, value any) error {
	return s.write(func() error {
		if s.knowledge == nil {
			s.knowledge = map[string]any{}
		}
		s.knowledge[key] = cloneValue(value)
		return nil
	})
}

// Docs returns the documentation snippets of the current task; nil when none were fetched.
func (s *Snapshot) Docs() []Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDocs(s.docs)
}

// SetDocs replaces the documentation snippets.
func (s *Snapshot) SetDocs(docs []Doc) error {
	return s.write(func() error {
		s.docs = cloneDocs(docs)
		return nil
	})
}

// RunCommand returns the command that starts the app.
func (s *Snapshot) RunCommand() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCommand
}

// SetRunCommand sets the command that starts the app.
func (s *Snapshot) SetRunCommand(cmd string) error {
	return s.write(func() error {
		s.runCommand = cmd
		return nil
	})
}

// Action returns the human-readable label of what produced this snapshot.
func (s *Snapshot) Action() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.action
}

// SetAction sets the human-readable label of what produced this snapshot.
func (s *Snapshot) SetAction(action string) error {
	return s.write(func() error {
		s.action = action
		return nil
	})
}

// --- files ---

// Files returns all file entries sorted by path.
func (s *Snapshot) Files() []File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// FileByPath returns the entry for path.
func (s *Snapshot) FileByPath(path string) (File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[path]
	if !ok {
		return File{}, false
	}
	return f.clone(), true
}

// HasFiles reports whether the snapshot tracks any file.
func (s *Snapshot) HasFiles() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files) > 0
}

// SaveFile upserts the entry for path. The first time a path changes in this task,
// its previous content ("" for new files) is remembered in the modified files,
// unless the change came from outside (external). The path is marked relevant.
func (s *Snapshot) SaveFile(path string, content *FileContent, external bool) error {
	if path == "" {
		return fmt.Errorf("file path is required")
	}
	if content == nil {
		return fmt.Errorf("file %s: content is required", path)
	}
	return s.write(func() error {
		original := ""
		f, ok := s.files[path]
		if ok {
			original = f.Content.String()
		} else {
			f = File{Path: path, Meta: map[string]any{}}
		}
		f.Content = content
		s.files[path] = f

		if !external {
			if _, seen := s.modifiedFiles[path]; !seen {
				s.modifiedFiles[path] = original
			}
		}
		for _, p := range s.relevantFiles {
			if p == path {
				return nil
			}
		}
		s.relevantFiles = append(s.relevantFiles, path)
		return nil
	})
}

// RemoveFile drops the entry for path. Removing an unknown path is a no-op.
func (s *Snapshot) RemoveFile(path string) error {
	return s.write(func() error {
		delete(s.files, path)
		return nil
	})
}

// SetFileMeta sets one metadata key on an existing file.
func (s *Snapshot) SetFileMeta(path, key string, value any) error {
	return s.write(func() error {
		f, ok := s.files[path]
		if !ok {
			return fmt.Errorf("file %s is not tracked", path)
		}
		if f.Meta == nil {
			f.Meta = map[string]any{}
		}
		f.Meta[key] = cloneValue(value)
		s.files[path] = f
		return nil
	})
}

// FilesMissingDescription returns the sorted paths of files without an annotation.
func (s *Snapshot) FilesMissingDescription() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for path, f := range s.files {
		if f.Description() == "" {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// RelevantFiles returns the paths relevant to the current task; nil when none were recorded.
func (s *Snapshot) RelevantFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneStrings(s.relevantFiles)
}

// SetRelevantFiles replaces the relevant paths.
func (s *Snapshot) SetRelevantFiles(paths []string) error {
	return s.write(func() error {
		s.relevantFiles = cloneStrings(paths)
		return nil
	})
}

// ModifiedFiles returns path -> content before the current task first changed it.
func (s *Snapshot) ModifiedFiles() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.modifiedFiles))
	for k, v := range s.modifiedFiles {
		out[k] = v
	}
	return out
}

func cloneEpics(in []Epic) []Epic {
	if in == nil {
		return nil
	}
	out := make([]Epic, len(in))
	for i, e := range in {
		out[i] = e.clone()
	}
	return out
}

func cloneTasks(in []Task) []Task {
	if in == nil {
		return nil
	}
	out := make([]Task, len(in))
	for i, t := range in {
		out[i] = t.clone()
	}
	return out
}

func cloneSteps(in []Step) []Step {
	if in == nil {
		return nil
	}
	out := make([]Step, len(in))
	for i, st := range in {
		out[i] = st.clone()
	}
	return out
}

func cloneIterations(in []Iteration) []Iteration {
	if in == nil {
		return nil
	}
	out := make([]Iteration, len(in))
	for i, it := range in {
		out[i] = it.clone()
	}
	return out
}

func cloneDocs(in []Doc) []Doc {
	if in == nil {
		return nil
	}
	out := make([]Doc, len(in))
	copy(out, in)
	return out
}

func withEpicIDs(in []Epic) []Epic {
	for i := range in {
		if in[i].ID == "" {
			in[i].ID = uuid.NewString()
		}
	}
	return in
}

func withTaskIDs(in []Task) []Task {
	for i := range in {
		if in[i].ID == "" {
			in[i].ID = uuid.NewString()
		}
		if in[i].Status == "" {
			in[i].Status = TaskTodo
		}
	}
	return in
}
