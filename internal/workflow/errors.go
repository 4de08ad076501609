package workflow

import "errors"

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrDocumentNotReady  = errors.New("document not ready")
	ErrRunInProgress     = errors.New("run already executing")
	ErrRunFinished       = errors.New("run already finished")
	ErrEmptyQuery        = errors.New("query is empty")
	ErrWorkflowCancelled = errors.New("workflow cancelled")
	ErrInvalidTransition = errors.New("invalid state transition")
)
