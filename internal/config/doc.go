// Package config resolves the configuration of a simulation run.
//
// Resolution order, later wins:
//
//  1. Default()
//  2. a YAML or CUE file (Load)
//  3. SCALECLOCK_* environment variables, optionally seeded from a .env
//     file (LoadEnvFile, ApplyEnv)
//  4. command-line flags, applied by the CLI
//
// Validate is run once on the final result and reports every problem.
package config
