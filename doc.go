/*
Package pilot drives a multi-worker software build over a branching snapshot store.

The state of a project is a chain of immutable snapshots. Each snapshot holds the
project hierarchy (epics, tasks, steps, iterations), the specification, and the
workspace files, with identical contents stored once. After every worker turn the
orchestrator re-derives from that state which worker runs next, so a build can be
stopped and resumed at any step.

# Concept

A turn works on the next snapshot, a mutable fork of the last committed one. When
the worker reports Done the fork is committed and becomes the new head; any other
result is fed back to the dispatcher, and a failure or interruption rolls the fork
back. Loading an older step and committing on top of it discards the later steps.

Workers are plain functions of (state, previous result). Mechanical kinds (commands,
file writes, human intervention, task completion) are built in; the rest are bound to
external programs that read a JSON envelope on stdin and answer with a result and a
list of state operations.

# Usage

	package main

	import (
		"context"
		"log"

		"github.com/Pythagora-io/gpt-pilot-sub000"
		"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/console"
		"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/file"
		"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/sqlite"
		"github.com/Pythagora-io/gpt-pilot-sub000/pkg/statestore"
	)

	func main() {
		ctx := context.Background()

		repo, err := sqlite.Open(".pilot/pilot.db")
		if err != nil {
			log.Fatal(err)
		}
		defer repo.Close()

		tree, err := file.New(".")
		if err != nil {
			log.Fatal(err)
		}

		store := statestore.New(repo, tree)
		if _, err := store.CreateProject(ctx, "todo"); err != nil {
			log.Fatal(err)
		}

		engine, err := pilot.New(store, console.New(), pilot.WithWatcher(tree))
		if err != nil {
			log.Fatal(err)
		}
		if err := engine.Run(ctx); err != nil {
			log.Fatal(err)
		}
	}
*/
package pilot
