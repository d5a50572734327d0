// Package pipeline runs the two-stage analyze/generate sequence for a
// GENERATE request.
//
// # Stages
//
// The analysis call receives the user's prompt and a snapshot of the
// editable fields and answers with a JSON object mapping each field it
// intends to change to a short task description:
//
//	{"title": "shorten to under 60 characters", "tags": "add two SEO tags"}
//
// A single "unclear" or "error" key instead signals the model could not act
// on the prompt; it is surfaced as a warning rather than an error.
//
// The generation call receives those tasks and answers with the new field
// values, each a string or an array of strings:
//
//	{"title": "Ten Tips for Faster Builds", "tags": ["ci", "builds"]}
//
// # Cancellation
//
// Every run is admitted into the operation registry under its generation
// id. Stopping a run only releases the id; the in-flight model call is
// allowed to finish and its result is dropped when the run re-checks the
// registry between stages.
package pipeline
