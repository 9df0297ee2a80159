// Package store defines the data access contracts of the estimator.
//
// Inputs (events, user dimensions, attribution, delivery) are read-only.
// Outputs are written per run id; every stage result is keyed by its
// natural key plus run id, so writes are idempotent upserts and readers
// always address one run's snapshot.
package store
