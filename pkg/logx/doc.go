// Package logx wraps zerolog behind a small, service-managed logger.
//
// The Service owns the sinks (console, file) and can swap levels and
// outputs at runtime via Apply(); Loggers handed out earlier keep
// writing through the updated root.
package logx
