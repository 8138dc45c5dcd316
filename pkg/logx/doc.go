// Package logx wraps zerolog behind a small structured-logging API
// shared by all genbot components.
package logx
