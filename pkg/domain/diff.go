package domain

import "sort"

// SnapshotDiff lists what changed between two snapshots.
// It is designed to be serialized to JSON for inspection tools.
type SnapshotDiff struct {
	FromID string `json:"from_id,omitempty"`
	ToID   string `json:"to_id"`

	// File changes, sorted by path.
	Added   []string `json:"added,omitempty"`
	Changed []string `json:"changed,omitempty"`
	Removed []string `json:"removed,omitempty"`

	// Items completed between the two snapshots.
	CompletedEpics int `json:"completed_epics,omitempty"`
	CompletedTasks int `json:"completed_tasks,omitempty"`
	CompletedSteps int `json:"completed_steps,omitempty"`

	SpecificationChanged bool `json:"specification_changed,omitempty"`
}

// Empty reports whether nothing changed.
func (d *SnapshotDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0 &&
		d.CompletedEpics == 0 && d.CompletedTasks == 0 && d.CompletedSteps == 0 &&
		!d.SpecificationChanged
}

// Diff calculates the difference between from and to.
// If from is nil, every file of to is reported as added (initial load).
func Diff(from, to *Snapshot) *SnapshotDiff {
	if to == nil {
		return nil
	}
	diff := &SnapshotDiff{ToID: to.ID}

	before := map[string]string{}
	if from != nil {
		diff.FromID = from.ID
		for _, f := range from.Files() {
			before[f.Path] = f.Content.ID
		}
		diff.SpecificationChanged = from.Specification().ID != to.Specification().ID
	}

	after := to.Files()
	seen := make(map[string]bool, len(after))
	for _, f := range after {
		seen[f.Path] = true
		old, ok := before[f.Path]
		switch {
		case !ok:
			diff.Added = append(diff.Added, f.Path)
		case old != f.Content.ID:
			diff.Changed = append(diff.Changed, f.Path)
		}
	}
	for path := range before {
		if !seen[path] {
			diff.Removed = append(diff.Removed, path)
		}
	}
	sort.Strings(diff.Removed)

	if from == nil {
		return diff
	}
	diff.CompletedEpics = countCompletedEpics(to) - countCompletedEpics(from)
	diff.CompletedTasks = countDoneTasks(to, from)
	diff.CompletedSteps = countCompletedSteps(to, from)
	return diff
}

func countCompletedEpics(s *Snapshot) int {
	n := 0
	for _, e := range s.Epics() {
		if e.Completed {
			n++
		}
	}
	return n
}

// countDoneTasks counts tasks done in to that were not done in from, matched by ID.
func countDoneTasks(to, from *Snapshot) int {
	was := map[string]bool{}
	for _, t := range from.Tasks() {
		was[t.ID] = t.Status == TaskDone
	}
	n := 0
	for _, t := range to.Tasks() {
		if t.Status == TaskDone && !was[t.ID] {
			n++
		}
	}
	return n
}

func countCompletedSteps(to, from *Snapshot) int {
	was := map[string]bool{}
	for _, st := range from.Steps() {
		was[st.ID] = st.Completed
	}
	n := 0
	for _, st := range to.Steps() {
		if st.Completed && !was[st.ID] {
			n++
		}
	}
	return n
}
