// Package preflight provides readiness checks for the filesystem paths and
// backends that an import run depends on.
//
// These checks run in two contexts:
//   - The workflow manager calls RunAll before the first phase. If any check
//     fails the run stops before touching the work state.
//   - Phase handlers use the individual checks (CheckFreeSpace, CheckService)
//     from their Prepare and HealthCheck hooks.
package preflight
