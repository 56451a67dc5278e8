// Package task runs ingestion, expiration and command tasks on a node.
//
// Tasks are identified by a signature. A signature that is waiting or
// processing is never queued twice, so a coordinator may resend a task as
// often as it likes.
package task

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"nebula/internal/spec"
)

// Type is the kind of work a task carries.
type Type uint8

const (
	Ingestion Type = iota + 1
	Expiration
	Command
)

func (t Type) String() string {
	switch t {
	case Ingestion:
		return "INGESTION"
	case Expiration:
		return "EXPIRATION"
	case Command:
		return "COMMAND"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// State is the lifecycle state of a task. Queue and NotFound are answers,
// never stored.
type State uint8

const (
	Unknown State = iota
	Waiting
	Processing
	Succeeded
	Failed
	Queue
	NotFound
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Waiting:
		return "WAITING"
	case Processing:
		return "PROCESSING"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	case Queue:
		return "QUEUE"
	case NotFound:
		return "NOTFOUND"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Resolved reports whether s is terminal.
func (s State) Resolved() bool { return s == Succeeded || s == Failed }

// Shutdown is the command that stops a node.
const Shutdown = "shutdown"

// SpecRef names a spec to expire.
type SpecRef struct {
	Table string `msgpack:"table"`
	ID    string `msgpack:"id"`
}

// Task is one unit of node work.
type Task struct {
	Type Type `msgpack:"type"`
	// Spec is the spec to load for Ingestion.
	Spec *spec.IngestSpec `msgpack:"spec,omitempty"`
	// Expire lists the specs to drop for Expiration.
	Expire []SpecRef `msgpack:"expire,omitempty"`
	// Command names the command for Command tasks.
	Command string `msgpack:"command,omitempty"`
	// Sync asks the node to run the task before answering.
	Sync bool `msgpack:"sync,omitempty"`
}

// NewIngestion wraps a spec.
func NewIngestion(s *spec.IngestSpec) *Task {
	return &Task{Type: Ingestion, Spec: s}
}

// NewExpiration builds an expiration task for a batch of specs.
func NewExpiration(specs []*spec.IngestSpec) *Task {
	refs := make([]SpecRef, 0, len(specs))
	for _, s := range specs {
		refs = append(refs, SpecRef{Table: s.Table, ID: s.ID})
	}
	return &Task{Type: Expiration, Expire: refs}
}

// NewCommand builds a command task.
func NewCommand(cmd string) *Task {
	return &Task{Type: Command, Command: cmd}
}

// IsShutdown reports whether t is the shutdown command.
func (t *Task) IsShutdown() bool { return t.Type == Command && t.Command == Shutdown }

// Signature identifies the work a task does. An ingestion signature
// includes the spec's size, so a renewed spec is a new task.
func (t *Task) Signature() string {
	d := xxhash.New()
	_, _ = d.WriteString(t.Type.String())
	switch t.Type {
	case Ingestion:
		if t.Spec != nil {
			_, _ = d.WriteString(t.Spec.ID)
			_, _ = d.WriteString(strconv.FormatInt(t.Spec.Bytes, 10))
		}
	case Expiration:
		refs := slices.Clone(t.Expire)
		slices.SortFunc(refs, func(a, b SpecRef) int {
			return cmp.Or(strings.Compare(a.Table, b.Table), strings.Compare(a.ID, b.ID))
		})
		for _, r := range refs {
			_, _ = d.WriteString(r.Table + "/" + r.ID + ";")
		}
	case Command:
		_, _ = d.WriteString(t.Command)
	}
	return fmt.Sprintf("%s-%016x", t.Type, d.Sum64())
}

func (t *Task) String() string {
	switch t.Type {
	case Ingestion:
		if t.Spec != nil {
			return "ingest " + t.Spec.ID
		}
	case Expiration:
		return fmt.Sprintf("expire %d specs", len(t.Expire))
	case Command:
		return "command " + t.Command
	}
	return t.Type.String()
}
