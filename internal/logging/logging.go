// Package logging constructs a standalone zap logger for code running
// outside of Caddy's own module lifecycle, where there is no caddy.Context
// to hand one out. Neither binary in cmd/ calls it: mnemod's background
// services take the Caddy module's logger, and mnemo-worker writes plain
// text to standard error.
package logging

import "go.uber.org/zap"

// New builds a production JSON logger, or a development console logger
// when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
