// Package engine is an in-process durable workflow engine. Executions and
// completed steps are persisted in SQLite, executions are addressed by a
// caller-chosen tag, and executions left running by a previous process are
// resumed on Start. It exposes the queries reconciliation relies on: the set
// of running tags and the latest status of a single tag.
package engine
