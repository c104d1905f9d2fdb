package db

import (
	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/engine"
)

// DefaultListLimit caps ListRuns when no limit is given
const DefaultListLimit = 50

var (
	_ engine.RunStore     = (*DB)(nil)
	_ engine.RunDeleter   = (*DB)(nil)
	_ credits.Ledger      = (*Ledger)(nil)
	_ credits.Provisioner = (*Ledger)(nil)
)
