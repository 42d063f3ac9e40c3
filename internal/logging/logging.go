// Package logging installs the process-wide go-logging backend. Packages
// obtain their own named loggers with logging.MustGetLogger and never touch
// the backend directly.
package logging

import (
	"io"
	"os"
	"strings"

	gol "github.com/op/go-logging"
)

// StandardFormat prints time, file, level and module before the message.
const StandardFormat = `%{time:15:04:05.000} %{shortfile} %{level:.4s} %{module}: %{message}`

// Setup installs a backend writing to w at the given level. An unknown level
// name falls back to INFO.
func Setup(w io.Writer, level string) {
	if w == nil {
		w = os.Stderr
	}
	backend := gol.NewLogBackend(w, "", 0)
	formatted := gol.NewBackendFormatter(backend, gol.MustStringFormatter(StandardFormat))
	leveled := gol.AddModuleLevel(formatted)
	leveled.SetLevel(ParseLevel(level), "")
	gol.SetBackend(leveled)
}

// ParseLevel converts a config string such as "debug" or "WARNING".
func ParseLevel(level string) gol.Level {
	lvl, err := gol.LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	if err != nil {
		return gol.INFO
	}
	return lvl
}
