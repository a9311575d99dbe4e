package common

import "errors"

// ErrModulePaused is returned by Guard when an operator has suspended the
// module an operation belongs to.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the operator pause switches. The pool, loan, collateral
// and circle engines each check their own switch on entry to every
// state-changing operation.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the named module is paused. A nil view or an
// empty module name disables the check, so engines run unguarded until a
// pause view is wired.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
