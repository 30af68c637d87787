// Package logx configures subwatch's structured logging.
//
// logx.Logger is a small wrapper on top of zerolog. Console output stays
// readable with a short timestamp and caller, file output is JSON, and an
// optional ops sink forwards warnings to an operator chat under a rate limit.
package logx
