package state

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/specboard/internal/git"
	"github.com/p-blackswan/specboard/internal/parser"
	"github.com/p-blackswan/specboard/internal/watcher"
)

// DefaultFactory builds a filesystem parser and an fsnotify watcher per project.
type DefaultFactory struct {
	// Git is optional; nil disables history lookups and the git sub-watcher.
	Git      *git.Reader
	Debounce time.Duration
	Logger   zerolog.Logger
}

// New implements Factory.
func (f DefaultFactory) New(root string, handler watcher.Handler) (ProjectParser, Tracker) {
	popts := parser.Options{}
	wopts := watcher.Options{Debounce: f.Debounce}
	if f.Git != nil {
		popts.Git = f.Git
		wopts.Git = f.Git
	}
	p := parser.New(root, popts, f.Logger)
	return p, watcher.New(p, handler, wopts, f.Logger)
}
