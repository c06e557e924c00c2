// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for driftfs packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls. Checkout action results
// and overlay flush barriers are both delivered on channels; without a
// safety valve, a wiring bug that drops a completion would hang the
// whole test run instead of failing one test.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no driftfs-internal dependencies.
package testutil
