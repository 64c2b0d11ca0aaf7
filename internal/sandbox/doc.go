// Package sandbox runs one command in its own process group under a
// wall-clock deadline and classifies the outcome.
//
// Full process-group termination is only guaranteed on Linux, where job
// control delivers the kill to every member of the child's group. On Windows
// only the direct child is terminated; grandchildren of a timed-out command
// may keep running and must be cleaned up by the caller.
package sandbox
