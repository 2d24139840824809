// Package logx configures groupwatch's structured logging.
//
// It wraps zerolog behind a small value type (logx.Logger) so that:
//   - console output stays readable (short timestamp, short caller)
//   - the optional file sink stays JSON-structured
//   - outputs and levels can be swapped at runtime on config reload
package logx
