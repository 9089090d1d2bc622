package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// SnapshotRecord is the persisted, schema-less form of a Snapshot. The hierarchy is
// stored as free-form records so payloads can evolve without migrations; they are
// validated when restored.
type SnapshotRecord struct {
	ID              string            `json:"id" yaml:"id"`
	BranchID        string            `json:"branch_id" yaml:"branch_id"`
	PrevID          string            `json:"prev_state_id,omitempty" yaml:"prev_state_id,omitempty"`
	StepIndex       int               `json:"step_index" yaml:"step_index"`
	SpecificationID string            `json:"specification_id" yaml:"specification_id"`
	Epics           []map[string]any  `json:"epics" yaml:"epics"`
	Tasks           []map[string]any  `json:"tasks" yaml:"tasks"`
	Steps           []map[string]any  `json:"steps" yaml:"steps"`
	Iterations      []map[string]any  `json:"iterations" yaml:"iterations"`
	KnowledgeBase   map[string]any    `json:"knowledge_base" yaml:"knowledge_base"`
	RelevantFiles   []string          `json:"relevant_files" yaml:"relevant_files"`
	ModifiedFiles   map[string]string `json:"modified_files" yaml:"modified_files"`
	Docs            []map[string]any  `json:"docs" yaml:"docs"`
	RunCommand      string            `json:"run_command,omitempty" yaml:"run_command,omitempty"`
	Action          string            `json:"action,omitempty" yaml:"action,omitempty"`
	CreatedAt       time.Time         `json:"created_at" yaml:"created_at"`
}

// FileRecord is the persisted form of a File.
type FileRecord struct {
	Path      string         `json:"path" yaml:"path"`
	ContentID string         `json:"content_id" yaml:"content_id"`
	Meta      map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Record encodes the snapshot and its file entries for persistence.
func (s *Snapshot) Record() (SnapshotRecord, []FileRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := SnapshotRecord{
		ID:              s.ID,
		BranchID:        s.BranchID,
		PrevID:          s.PrevID,
		StepIndex:       s.StepIndex,
		SpecificationID: s.spec.ID,
		Epics:           make([]map[string]any, 0, len(s.epics)),
		Tasks:           make([]map[string]any, 0, len(s.tasks)),
		Steps:           make([]map[string]any, 0, len(s.steps)),
		Iterations:      make([]map[string]any, 0, len(s.iterations)),
		KnowledgeBase:   cloneMap(s.knowledge),
		RelevantFiles:   cloneStrings(s.relevantFiles),
		ModifiedFiles:   make(map[string]string, len(s.modifiedFiles)),
		RunCommand:      s.runCommand,
		Action:          s.action,
		CreatedAt:       s.CreatedAt,
	}
	for _, e := range s.epics {
		rec.Epics = append(rec.Epics, encodeEpic(e))
	}
	for _, t := range s.tasks {
		rec.Tasks = append(rec.Tasks, encodeTask(t))
	}
	for _, st := range s.steps {
		rec.Steps = append(rec.Steps, encodeStep(st))
	}
	for _, it := range s.iterations {
		rec.Iterations = append(rec.Iterations, encodeIteration(it))
	}
	for k, v := range s.modifiedFiles {
		rec.ModifiedFiles[k] = v
	}
	if s.docs != nil {
		rec.Docs = make([]map[string]any, 0, len(s.docs))
		for _, d := range s.docs {
			rec.Docs = append(rec.Docs, map[string]any{"key": d.Key, "desc": d.Description, "content": d.Content})
		}
	}

	files := make([]FileRecord, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, FileRecord{Path: f.Path, ContentID: f.Content.ID, Meta: cloneMap(f.Meta)})
	}
	return rec, files
}

// FileContents returns the distinct contents referenced by the snapshot.
func (s *Snapshot) FileContents() []*FileContent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.files))
	var out []*FileContent
	for _, f := range s.files {
		if seen[f.Content.ID] {
			continue
		}
		seen[f.Content.ID] = true
		out = append(out, f.Content)
	}
	return out
}

// RestoreSnapshot decodes a persisted record, validating every hierarchy item.
// The returned snapshot is mutable; callers freeze it when it represents committed state.
func RestoreSnapshot(rec SnapshotRecord, spec *Specification, files []File) (*Snapshot, error) {
	if rec.ID == "" || rec.BranchID == "" {
		return nil, fmt.Errorf("%w: id and branch_id are required", ErrInvalidRecord)
	}
	if rec.StepIndex < 1 {
		return nil, fmt.Errorf("%w: step_index %d", ErrInvalidRecord, rec.StepIndex)
	}
	if spec == nil {
		spec = NewSpecification()
	}

	s := &Snapshot{
		ID:            rec.ID,
		BranchID:      rec.BranchID,
		PrevID:        rec.PrevID,
		StepIndex:     rec.StepIndex,
		CreatedAt:     rec.CreatedAt,
		spec:          spec,
		knowledge:     cloneMap(rec.KnowledgeBase),
		files:         make(map[string]File, len(files)),
		relevantFiles: cloneStrings(rec.RelevantFiles),
		modifiedFiles: make(map[string]string, len(rec.ModifiedFiles)),
		runCommand:    rec.RunCommand,
		action:        rec.Action,
	}
	if s.knowledge == nil {
		s.knowledge = map[string]any{}
	}
	for k, v := range rec.ModifiedFiles {
		s.modifiedFiles[k] = v
	}

	for i, raw := range rec.Epics {
		var e Epic
		if err := decodeRecord(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: epic %d: %v", ErrInvalidRecord, i, err)
		}
		if e.ID == "" {
			return nil, fmt.Errorf("%w: epic %d has no id", ErrInvalidRecord, i)
		}
		s.epics = append(s.epics, e)
	}
	for i, raw := range rec.Tasks {
		var t Task
		if err := decodeRecord(raw, &t); err != nil {
			return nil, fmt.Errorf("%w: task %d: %v", ErrInvalidRecord, i, err)
		}
		if t.ID == "" || t.Status == "" {
			return nil, fmt.Errorf("%w: task %d needs id and status", ErrInvalidRecord, i)
		}
		s.tasks = append(s.tasks, t)
	}
	for i, raw := range rec.Steps {
		st, err := decodeStep(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidRecord, i, err)
		}
		s.steps = append(s.steps, st)
	}
	for i, raw := range rec.Iterations {
		var it Iteration
		if err := decodeRecord(raw, &it); err != nil {
			return nil, fmt.Errorf("%w: iteration %d: %v", ErrInvalidRecord, i, err)
		}
		if it.ID == "" || it.Status == "" {
			return nil, fmt.Errorf("%w: iteration %d needs id and status", ErrInvalidRecord, i)
		}
		s.iterations = append(s.iterations, it)
	}
	if rec.Docs != nil {
		s.docs = make([]Doc, 0, len(rec.Docs))
		for i, raw := range rec.Docs {
			var d Doc
			if err := decodeRecord(raw, &d); err != nil {
				return nil, fmt.Errorf("%w: doc %d: %v", ErrInvalidRecord, i, err)
			}
			s.docs = append(s.docs, d)
		}
	}
	for _, f := range files {
		if f.Content == nil {
			return nil, fmt.Errorf("%w: file %s has no content", ErrInvalidRecord, f.Path)
		}
		if f.Meta == nil {
			f.Meta = map[string]any{}
		}
		s.files[f.Path] = f
	}
	return s, nil
}

func decodeRecord(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func encodeEpic(e Epic) map[string]any {
	m := extraBase(e.Extra)
	m["id"] = e.ID
	m["name"] = e.Name
	m["description"] = e.Description
	m["source"] = e.Source
	m["completed"] = e.Completed
	return m
}

func encodeTask(t Task) map[string]any {
	m := extraBase(t.Extra)
	m["id"] = t.ID
	m["description"] = t.Description
	m["instructions"] = t.Instructions
	m["status"] = string(t.Status)
	return m
}

func encodeIteration(it Iteration) map[string]any {
	m := extraBase(it.Extra)
	m["id"] = it.ID
	m["status"] = string(it.Status)
	m["description"] = it.Description
	m["user_feedback"] = it.UserFeedback
	if it.BugHuntingCycles != nil {
		m["bug_hunting_cycles"] = cloneRecords(it.BugHuntingCycles)
	}
	return m
}

// stepRecord mirrors the persisted step layout: the payload lives under a key named
// after the step kind.
type stepRecord struct {
	ID                string                  `mapstructure:"id"`
	Kind              StepKind                `mapstructure:"type"`
	Completed         bool                    `mapstructure:"completed"`
	Command           *CommandPayload         `mapstructure:"command"`
	SaveFile          *SaveFilePayload        `mapstructure:"save_file"`
	HumanIntervention string                  `mapstructure:"human_intervention_description"`
	UtilityFunction   *UtilityFunctionPayload `mapstructure:"utility_function"`
	Extra             map[string]any          `mapstructure:",remain"`
}

func encodeStep(st Step) map[string]any {
	m := extraBase(st.Extra)
	m["id"] = st.ID
	m["type"] = string(st.Kind)
	m["completed"] = st.Completed
	switch p := st.Payload.(type) {
	case CommandPayload:
		m["command"] = map[string]any{"command": p.Command, "timeout": p.Timeout, "success_message": p.SuccessMessage}
	case SaveFilePayload:
		m["save_file"] = map[string]any{"path": p.Path, "content": p.Content}
	case HumanInterventionPayload:
		m["human_intervention_description"] = p.Description
	case UtilityFunctionPayload:
		m["utility_function"] = map[string]any{"file": p.File, "function": p.Function, "description": p.Description}
	}
	return m
}

// DecodeStep decodes a step from its persisted layout. A missing id is generated.
func DecodeStep(raw map[string]any) (Step, error) {
	if id, _ := raw["id"].(string); id == "" {
		raw = cloneMap(raw)
		if raw == nil {
			raw = map[string]any{}
		}
		raw["id"] = uuid.NewString()
	}
	return decodeStep(raw)
}

func decodeStep(raw map[string]any) (Step, error) {
	var r stepRecord
	if err := decodeRecord(raw, &r); err != nil {
		return Step{}, err
	}
	if r.ID == "" || r.Kind == "" {
		return Step{}, fmt.Errorf("id and type are required")
	}
	st := Step{ID: r.ID, Kind: r.Kind, Completed: r.Completed, Extra: r.Extra, Payload: EmptyPayload{}}
	switch r.Kind {
	case StepCommand:
		if r.Command == nil || r.Command.Command == "" {
			return Step{}, fmt.Errorf("command step %s has no command", r.ID)
		}
		st.Payload = *r.Command
	case StepSaveFile:
		if r.SaveFile == nil || r.SaveFile.Path == "" {
			return Step{}, fmt.Errorf("save_file step %s has no path", r.ID)
		}
		st.Payload = *r.SaveFile
	case StepHumanIntervention:
		st.Payload = HumanInterventionPayload{Description: r.HumanIntervention}
	case StepUtilityFunction:
		if r.UtilityFunction != nil {
			st.Payload = *r.UtilityFunction
		}
	}
	return st, nil
}

// extraBase starts an encoded record from the unknown keys so that known keys win.
func extraBase(extra map[string]any) map[string]any {
	m := cloneMap(extra)
	if m == nil {
		m = map[string]any{}
	}
	return m
}
