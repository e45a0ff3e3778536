package logger

import (
	"log"
	"os"
)

// New returns a stdout logger prefixed with the fixture layer's name so its
// lines are findable in interleaved worker output.
func New() *log.Logger {
	return log.New(os.Stdout, "fixtureforge ", log.LstdFlags|log.Lmsgprefix)
}
