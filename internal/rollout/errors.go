package rollout

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var (
	ErrRolledBack   = errors.New("canary rolled back")
	ErrNoCanarySpec = errors.New("command has no canary spec")
)

// RollbackTriggered is returned when a rollout ends in RolledBack.
type RollbackTriggered struct {
	Target string
	At     types.Weights // split in effect when the rollback started
	Steps  int
	Reason string
}

func (e *RollbackTriggered) Error() string {
	return fmt.Sprintf("RollbackTriggered: %s rolled back at %d%% canary after %d steps: %s",
		e.Target, e.At.Canary, e.Steps, e.Reason)
}

func (e *RollbackTriggered) Unwrap() error         { return ErrRolledBack }
func (e *RollbackTriggered) Kind() types.ErrorKind { return types.ErrorRollback }
