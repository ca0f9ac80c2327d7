package pipeline

import (
	"errors"
	"fmt"
)

// Error types recorded on a failed request.
const (
	ErrTypeDataQuery        = "data_query_error"
	ErrTypeReportGeneration = "report_generation_error"
	ErrTypeResultSave       = "result_save_error"
)

// errLeaseLost aborts a run whose lease was taken over.
var errLeaseLost = errors.New("lease lost")

// StageError is a failure of one pipeline stage.
type StageError struct {
	Type string
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(typ string, err error) error {
	return &StageError{Type: typ, Err: err}
}
