/*
Package domain contains the versioned build-state model.

A project owns branches; a branch is a linear chain of snapshots. Each Snapshot holds
the specification, the epic/task/step/iteration hierarchy, the knowledge base and the
project files at one point of the build. The package is kept free of I/O: persistence
happens through the records produced by Snapshot.Record and read by RestoreSnapshot.

# Key Entities

  - Snapshot: one step of build progress. Forked to produce the next one, frozen once committed.
  - Specification: what is being built; shared between a snapshot and its fork until changed.
  - Epic, Task, Step, Iteration: the work hierarchy. "Current" items are always derived.
  - File, FileContent: file entries per snapshot over content-addressed bytes.
*/
package domain
