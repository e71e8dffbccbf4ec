// Package engine provides the bounded execution pool for approved requests.
// A fixed set of slots drains a FIFO queue; each slot moves its request to
// Running, launches an isolated execution context through the sandbox,
// enforces the wall-clock budget by killing the context, and records the
// terminal state. Output lines are fanned out to subscribers via LogBroker.
package engine
