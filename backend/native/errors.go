package native

import (
	"errors"
	"fmt"
	"strings"
)

// Package errors for the native backend.
var (
	// ErrNilDevice is returned when creating a backend without a device.
	ErrNilDevice = errors.New("native: HAL device is nil")

	// ErrNilQueue is returned when creating a backend without a queue.
	ErrNilQueue = errors.New("native: HAL queue is nil")

	// ErrProviderNotHAL is returned when a device provider does not expose
	// HAL device and queue types.
	ErrProviderNotHAL = errors.New("native: provider does not expose HAL types")

	// ErrForeignHandle is returned when a handle was not created by this backend.
	ErrForeignHandle = errors.New("native: handle was not created by this backend")

	// ErrReleased is returned when a released handle is used.
	ErrReleased = errors.New("native: handle already released")

	// ErrStageSet is returned when a link does not get exactly one vertex
	// and one fragment stage.
	ErrStageSet = errors.New("native: link needs exactly one vertex and one fragment stage")

	// ErrUniformConflict is returned when two stages declare the same
	// uniform binding differently.
	ErrUniformConflict = errors.New("native: uniform declarations disagree between stages")

	// ErrUnknownLocation is returned by SetUniform for an unresolved location.
	ErrUnknownLocation = errors.New("native: unknown uniform location")

	// ErrUniformSize is returned when uniform data does not fit its field.
	ErrUniformSize = errors.New("native: uniform data exceeds field size")

	// ErrUnsupportedFormat is returned when restoring a binary whose format
	// this backend does not produce.
	ErrUnsupportedFormat = errors.New("native: unsupported binary format")

	// ErrToolchainMismatch is returned when a binary was built by a
	// different shader toolchain.
	ErrToolchainMismatch = errors.New("native: binary built by a different toolchain")

	// ErrAdapterMismatch is returned when a binary was built for a
	// different adapter or driver.
	ErrAdapterMismatch = errors.New("native: binary built for a different adapter")

	// ErrBadSPIRV is returned when a stored stage is not a SPIR-V module.
	ErrBadSPIRV = errors.New("native: invalid SPIR-V module")

	// ErrNoActiveProgram is returned by Encode when no program is bound.
	ErrNoActiveProgram = errors.New("native: no active program")
)

// Phase names the step of stage compilation or linking that failed.
type Phase string

// Compilation and link phases.
const (
	PhaseParse    Phase = "parse"
	PhaseLower    Phase = "lower"
	PhaseValidate Phase = "validate"
	PhaseReflect  Phase = "reflect"
	PhaseGenerate Phase = "generate"
	PhaseModule   Phase = "module"
	PhaseLink     Phase = "link"
)

// Diagnostic is a compile or link failure with the toolchain's messages.
type Diagnostic struct {
	Stage    string
	Phase    Phase
	Messages []string
	Err      error
}

func (d *Diagnostic) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "native: %s %s failed", d.Stage, d.Phase)
	if d.Err != nil {
		b.WriteString(": ")
		b.WriteString(d.Err.Error())
	}
	for _, m := range d.Messages {
		b.WriteString("\n\t")
		b.WriteString(m)
	}
	return b.String()
}

func (d *Diagnostic) Unwrap() error { return d.Err }
