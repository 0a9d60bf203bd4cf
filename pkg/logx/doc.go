// Package logx is jobmgr's structured logging layer: a small Logger value on
// top of zerolog, a Service whose sinks (stdout console or JSON, optional
// append-only file) can be swapped at runtime, and a rate-limited Sampler for
// warnings that would otherwise flood the log.
package logx
