/*
Package ports defines the driven ports (interfaces) of the build orchestrator.

These interfaces decouple the state store and the workers from external
implementations, allowing the same core to run on SQLite or in memory, against a
local workspace, and with or without a distributed lock.

# Key Interfaces

  - Repository / Transaction: persist projects, branches, snapshots and file contents.
  - FileTree: the workspace mirror reconciled with committed snapshots.
  - UI: the user-facing channel used by workers.
  - DistributedLocker: serializes commits across processes sharing one database.
*/
package ports
