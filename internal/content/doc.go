// Package content defines the domain model and the collaborator ports shared by
// the fetch pipeline.
//
// A ContentRequest is written once by the intake path, discovered by the
// reconciler, claimed by exactly one worker at a time and destroyed either on
// successful delivery or when its retries are exhausted. The record store is
// authoritative; the dispatch queue only carries dispatch intent and can be
// rebuilt from the store at any time.
package content
