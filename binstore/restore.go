package binstore

import "fmt"

// Restorer turns a stored binary back into a program handle.
type Restorer[P any] interface {
	Capabilities
	RestoreProgram(format uint32, payload []byte) (P, error)
}

// TryRestore hands e to the platform. Any rejection, including a panic in
// the driver layer, is reported as ErrInvalid.
func TryRestore[P any](r Restorer[P], e Entry) (prog P, err error) {
	defer func() {
		if v := recover(); v != nil {
			var zero P
			prog = zero
			err = fmt.Errorf("%w: format %#x: panic: %v", ErrInvalid, e.Format, v)
		}
	}()

	prog, err = r.RestoreProgram(e.Format, e.Payload)
	if err != nil {
		var zero P
		return zero, fmt.Errorf("%w: format %#x: %w", ErrInvalid, e.Format, err)
	}
	return prog, nil
}
