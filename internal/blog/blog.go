// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package blog wraps go.uber.org/zap with the handful of conventions
// bcache and btree share: a component-scoped logger obtained
// with Named, and a single helper for the fatal/invariant-violation
// path where an error is logged with a stack trace and then turned
// into a panic rather than swallowed.
package blog

import (
	"go.uber.org/zap"
)

// New returns a no-op logger if base is nil, otherwise base scoped to
// component via Named. Every package in this module that accepts a
// *zap.Logger in its Options should route it through New before
// storing it, so a caller that passes nil gets silence instead of a
// nil-pointer panic on first log call.
func New(base *zap.Logger, component string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.Named(component)
}

// Fatal logs err at Error level with a stack trace, then panics with
// it. Call sites use this for conditions the error-handling design
// classifies as programmer errors or corruption rather than ordinary
// recoverable results; its only caller is bcache, on a duplicate
// volatile OID. Type-tag mismatches and failed eviction writes are
// returned as errors instead.
func Fatal(log *zap.Logger, msg string, err error) {
	log.Error(msg, zap.Error(err), zap.Stack("stack"))
	panic(err)
}
