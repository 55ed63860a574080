//go:build linux

package ioloop

import "github.com/ankit-kulkarni/filed/internal/fdtask"

// connection is one accepted socket's state for the lifetime it spends
// in a Loop: its death-queue membership, and the task (if any) currently
// bound to it. At most one task is ever attached to a connection at a
// time, matching the spec's connection<->task invariant.
type connection struct {
	fd        int
	alive     bool
	timeToDie uint64
	task      *fdtask.Task
	failed    bool // set when the last task's write path hard-failed
}

func (c *connection) FD() int           { return c.fd }
func (c *connection) Alive() bool       { return c.alive }
func (c *connection) SetAlive(v bool)   { c.alive = v }
func (c *connection) TimeToDie() uint64 { return c.timeToDie }
