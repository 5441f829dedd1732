// Package logx wraps zerolog behind a small Field-based API so components
// can keep logging through config reloads (level/sink swaps) without
// re-plumbing loggers.
package logx
