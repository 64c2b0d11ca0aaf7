// Package pipeline executes command chains the way a shell runs `a | b | c`:
// one child process per stage, adjacent stages joined by a kernel pipe, and a
// single aggregate verdict once every child has been reaped.
//
// The package holds at most one pipe endpoint open in the parent at any point
// of the launch loop (the read end destined for the next stage) and never
// holds a write end across a launch. That discipline is what makes
// end-of-stream propagate: a downstream stage sees EOF exactly when its
// upstream writers are gone, with no copy left open in the parent to keep the
// pipe alive. Interior stages receive pipe descriptors directly, so no
// user-space copying sits between them.
//
// Stages are never signalled. A failing stage does not tear down its
// siblings; the chain runs to completion and the verdict reports the damage.
// The construction-error path is the one exception to promptness: when a pipe
// or process cannot be allocated mid-launch, the already-running prefix of
// the chain is starved by closing the parent's pipe ends and then reaped
// before the error returns, which can take as long as those children take to
// notice EOF.
package pipeline
