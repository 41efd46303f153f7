// Package sandbox manages long-lived fuzzing sandboxes and the pool that
// owns them.
//
// A Sandbox wraps one running container built from a project's OSS-Fuzz
// image and drives the compile/fuzz/coverage cycle against it. Sandboxes
// come in two flavors, selected by sanitizer: an address-sanitized build
// for crash detection and a coverage-instrumented build for coverage
// measurement. The Pool provisions a fixed number of Pair values (one
// sandbox of each flavor) up front and hands them out through blocking
// Acquire/Release so that repeated build cycles reuse warm containers
// instead of re-provisioning a full build environment.
//
// All subprocess work, on the host and inside containers, flows through
// the CommandRunner interface so that every operation shares one
// failure-handling policy: a command that fails or cannot start yields a
// Result with a non-zero exit code, never a raised error.
//
// Usage:
//
//	pool, err := sandbox.NewPool(ctx, logger, runner, preparer, settings, bench)
//	pair := pool.Acquire()
//	defer pool.Release(pair)
//	res := pair.Address.Compile(ctx, "", "")
package sandbox
