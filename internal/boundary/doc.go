// Package boundary implements the isolated load boundary each module's
// code runs behind.
//
// Go has no collectible code-loading primitive, so a boundary owns the
// module's code as a handle it can drop: for executable modules that handle
// is a child process speaking a line-delimited protocol over stdio, and for
// built-in (legacy) modules it is a host-registered function table with
// reference counting. Either way, "unload" drops the handle and leaves a
// weak observation behind; the orchestrator later verifies the code was
// actually reclaimed.
package boundary
