package workers

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

// Op names understood in an external worker's response.
const (
	OpCompleteStep       = "complete_step"
	OpCompleteTask       = "complete_task"
	OpCompleteEpic       = "complete_epic"
	OpCompleteIteration  = "complete_iteration"
	OpSetTaskStatus      = "set_task_status"
	OpSetIterationStatus = "set_iteration_status"
	OpSaveFile           = "save_file"
	OpSetEpics           = "set_epics"
	OpAddTasks           = "add_tasks"
	OpSetSteps           = "set_steps"
	OpAddIteration       = "add_iteration"
	OpSetSpecification   = "set_specification"
	OpSetKnowledge       = "set_knowledge"
	OpSetDocs            = "set_docs"
	OpSetRunCommand      = "set_run_command"
	OpSetAction          = "set_action"
	OpSetFileDescription = "set_file_description"
	OpSetRelevantFiles   = "set_relevant_files"
)

// Op is one state change requested by an external worker. Only the fields its
// operation uses are read.
type Op struct {
	Op            string            `mapstructure:"op"`
	StepID        string            `mapstructure:"step_id"`
	Path          string            `mapstructure:"path"`
	Paths         []string          `mapstructure:"paths"`
	Content       string            `mapstructure:"content"`
	Description   string            `mapstructure:"description"`
	Status        string            `mapstructure:"status"`
	Key           string            `mapstructure:"key"`
	Value         any               `mapstructure:"value"`
	Epics         []domain.Epic     `mapstructure:"epics"`
	Tasks         []domain.Task     `mapstructure:"tasks"`
	Steps         []map[string]any  `mapstructure:"steps"`
	Iteration     *domain.Iteration `mapstructure:"iteration"`
	Specification map[string]any    `mapstructure:"specification"`
	Docs          []domain.Doc      `mapstructure:"docs"`
	Command       string            `mapstructure:"command"`
	Action        string            `mapstructure:"action"`

	steps []domain.Step
}

// DecodeOps decodes and validates raw ops without applying any of them.
func DecodeOps(raw []map[string]any) ([]Op, error) {
	ops := make([]Op, 0, len(raw))
	for i, r := range raw {
		var op Op
		if err := decode(r, &op); err != nil {
			return nil, fmt.Errorf("op #%d: %w", i+1, err)
		}
		if err := op.validate(); err != nil {
			return nil, fmt.Errorf("op #%d (%s): %w", i+1, op.Op, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (op *Op) validate() error {
	switch op.Op {
	case OpCompleteTask, OpCompleteEpic, OpCompleteIteration, OpCompleteStep, OpSetRunCommand, OpSetAction,
		OpSetEpics, OpAddTasks, OpSetDocs, OpSetRelevantFiles:
	case OpSetTaskStatus, OpSetIterationStatus:
		if op.Status == "" {
			return fmt.Errorf("status is required")
		}
	case OpSaveFile, OpSetFileDescription:
		if op.Path == "" {
			return fmt.Errorf("path is required")
		}
	case OpSetKnowledge:
		if op.Key == "" {
			return fmt.Errorf("key is required")
		}
	case OpAddIteration:
		if op.Iteration == nil || op.Iteration.Status == "" {
			return fmt.Errorf("iteration with a status is required")
		}
	case OpSetSpecification:
		if len(op.Specification) == 0 {
			return fmt.Errorf("specification is required")
		}
	case OpSetSteps:
		op.steps = make([]domain.Step, 0, len(op.Steps))
		for j, raw := range op.Steps {
			st, err := domain.DecodeStep(raw)
			if err != nil {
				return fmt.Errorf("step #%d: %w", j+1, err)
			}
			op.steps = append(op.steps, st)
		}
	case "":
		return fmt.Errorf("op name is required")
	default:
		return fmt.Errorf("unknown op")
	}
	return nil
}

// Apply performs ops on the state's Next snapshot, in order. step is the step the
// worker was dispatched for, used by complete_step without a step_id.
func Apply(ctx context.Context, state worker.State, step *domain.Step, ops []Op) error {
	for i, op := range ops {
		if err := apply(ctx, state, step, op); err != nil {
			return fmt.Errorf("op #%d (%s): %w", i+1, op.Op, err)
		}
	}
	return nil
}

func apply(ctx context.Context, state worker.State, step *domain.Step, op Op) error {
	next := state.Next()
	switch op.Op {
	case OpCompleteStep:
		id := op.StepID
		if id == "" && step != nil {
			id = step.ID
		}
		if id == "" {
			cur, ok := next.CurrentStep()
			if !ok {
				return domain.ErrNothingToComplete
			}
			id = cur.ID
		}
		return next.CompleteStepByID(id)
	case OpCompleteTask:
		return next.CompleteTask()
	case OpCompleteEpic:
		return next.CompleteEpic()
	case OpCompleteIteration:
		return next.CompleteIteration()
	case OpSetTaskStatus:
		return next.SetCurrentTaskStatus(domain.TaskStatus(op.Status))
	case OpSetIterationStatus:
		return next.SetCurrentIterationStatus(domain.IterationStatus(op.Status))
	case OpSaveFile:
		var meta map[string]any
		if op.Description != "" {
			meta = map[string]any{domain.MetaDescription: op.Description}
		}
		return state.SaveFile(ctx, op.Path, []byte(op.Content), meta)
	case OpSetFileDescription:
		return next.SetFileMeta(op.Path, domain.MetaDescription, op.Description)
	case OpSetEpics:
		return next.SetEpics(op.Epics)
	case OpAddTasks:
		return next.AddTasks(op.Tasks...)
	case OpSetSteps:
		return next.SetSteps(op.steps)
	case OpAddIteration:
		return next.AddIteration(*op.Iteration)
	case OpSetSpecification:
		var derr error
		err := next.UpdateSpecification(func(s *domain.Specification) {
			fields := make(map[string]any, len(op.Specification))
			for k, v := range op.Specification {
				if k != "id" {
					fields[k] = v
				}
			}
			derr = decode(fields, s)
		})
		if err != nil {
			return err
		}
		return derr
	case OpSetKnowledge:
		return next.SetKnowledge(op.Key, op.Value)
	case OpSetDocs:
		return next.SetDocs(op.Docs)
	case OpSetRunCommand:
		return next.SetRunCommand(op.Command)
	case OpSetAction:
		return next.SetAction(op.Action)
	case OpSetRelevantFiles:
		return next.SetRelevantFiles(op.Paths)
	}
	return fmt.Errorf("unknown op")
}

func decode(in map[string]any, out any) error {
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
