package graph

import (
	"fmt"
	"strings"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
)

// GenerateMermaid renders the plan of a snapshot as a Mermaid flowchart: epics in
// order, the tasks of the current epic and the steps of the current task.
// Shapes follow the kind of work:
// - Epic: ((Circle))
// - Command step: [[Subroutine]]
// - Step that needs a person: [/Parallelogram/]
// - Anything else: [Rectangle]
// Finished items get the done class and the item being worked on gets current.
func GenerateMermaid(snap *domain.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	var done []string
	var current []string

	epics := snap.Epics()
	currentEpic := -1
	for i, e := range epics {
		id := fmt.Sprintf("epic%d", i)
		sb.WriteString(fmt.Sprintf("    %s((\"%s\"))\n", id, escape(e.Name)))
		if i > 0 {
			sb.WriteString(fmt.Sprintf("    epic%d --> %s\n", i-1, id))
		}
		switch {
		case e.Completed:
			done = append(done, id)
		case currentEpic < 0:
			currentEpic = i
			current = append(current, id)
		}
	}

	tasks := snap.Tasks()
	currentTask := -1
	for i, t := range tasks {
		id := fmt.Sprintf("task%d", i)
		sb.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", id, escape(t.Description)))
		switch {
		case i > 0:
			sb.WriteString(fmt.Sprintf("    task%d --> %s\n", i-1, id))
		case currentEpic >= 0:
			sb.WriteString(fmt.Sprintf("    epic%d -.-> %s\n", currentEpic, id))
		}
		switch {
		case t.Status == domain.TaskDone:
			done = append(done, id)
		case currentTask < 0:
			currentTask = i
			current = append(current, id)
		}
	}

	currentStep := false
	for i, st := range snap.Steps() {
		id := fmt.Sprintf("step%d", i)
		opener, closer := "[", "]"
		switch st.Kind {
		case domain.StepCommand:
			opener, closer = "[[", "]]"
		case domain.StepHumanIntervention, domain.StepReviewTask:
			opener, closer = "[/", "/]"
		}
		sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s\n", id, opener, escape(stepLabel(st)), closer))
		switch {
		case i > 0:
			sb.WriteString(fmt.Sprintf("    step%d --> %s\n", i-1, id))
		case currentTask >= 0:
			sb.WriteString(fmt.Sprintf("    task%d -.-> %s\n", currentTask, id))
		}
		switch {
		case st.Completed:
			done = append(done, id)
		case !currentStep:
			currentStep = true
			current = append(current, id)
		}
	}

	if len(done)+len(current) > 0 {
		sb.WriteString("\n    %% Progress\n")
		// Black text keeps the labels readable on both light and dark themes.
		sb.WriteString("    classDef done fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
		for _, id := range done {
			sb.WriteString(fmt.Sprintf("    class %s done;\n", id))
		}
		for _, id := range current {
			sb.WriteString(fmt.Sprintf("    class %s current;\n", id))
		}
	}
	return sb.String()
}

func stepLabel(st domain.Step) string {
	if cmd, ok := st.Command(); ok {
		return cmd.Command
	}
	if f, ok := st.SaveFile(); ok {
		return "save " + f.Path
	}
	return string(st.Kind)
}

// escape keeps a label inside its double quotes on one line.
func escape(s string) string {
	s = strings.ReplaceAll(s, "\"", "'")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
