package patient

import (
	"errors"
	"fmt"

	"github.com/dhos/services-api/internal/domain/entity"
)

// notFoundError is a lookup failure with a caller-facing message.
type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }

func (e *notFoundError) Unwrap() error { return entity.ErrNotFound }

func notFound(format string, args ...any) error {
	return &notFoundError{msg: fmt.Sprintf(format, args...)}
}

func duplicatePatient(product, constraint, what string) error {
	return &entity.DuplicateError{
		Constraint: constraint,
		Msg:        fmt.Sprintf("a %s patient already exists with %s", product, what),
	}
}

func isNotFound(err error) bool { return errors.Is(err, entity.ErrNotFound) }
