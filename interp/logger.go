package interp

import (
	"log/slog"

	"github.com/gogpu/framecmd"
)

// slogger returns the logger shared with the root package.
func slogger() *slog.Logger { return framecmd.Logger() }
