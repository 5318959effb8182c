package errs

import "fmt"

// ErrPanic converts a recovered panic value into an internal CodeError.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return ErrInternal.WrapMsg(fmt.Sprintf("panic: %v", r))
}
