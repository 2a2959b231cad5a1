// Package services contains the workflow engine's application layer:
// definition lifecycle, instance execution, eligibility resolution,
// delegation management, instance queries, and the scheduled expiry sweep.
//
// Services depend on the ports interfaces, never on concrete persistence,
// so each one is testable against in-memory fakes. Every mutating
// operation runs inside a single transaction supplied by the
// TransactionRunner port; repositories join it through the context.
package services
