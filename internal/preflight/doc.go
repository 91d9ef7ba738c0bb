// Package preflight provides readiness checks for the queue backend and the
// filesystem paths relay depends on.
//
// These checks run in two contexts:
//   - The worker runtime calls RunAll at startup and logs every failure as
//     a warning before it attempts its first connection.
//   - The CLI "relay config validate" command renders the results as status
//     lines.
//
// Checks only run when the corresponding feature is configured.
package preflight
