package backend

import (
	"errors"
	"fmt"
)

// Common device errors.
var (
	// ErrDeviceNotAvailable is returned when a requested device is not
	// registered.
	ErrDeviceNotAvailable = errors.New("backend: device not available")

	// ErrNotInitialized is returned when operations are called before
	// Init.
	ErrNotInitialized = errors.New("backend: device not initialized")

	// ErrInvalidHandle is returned when an operation references a
	// handle the device does not know.
	ErrInvalidHandle = errors.New("backend: invalid handle")

	// ErrInvalidDescriptor is returned when a Create* descriptor is
	// malformed (zero dimensions, missing attachment, zero size).
	ErrInvalidDescriptor = errors.New("backend: invalid descriptor")

	// ErrUploadSizeMismatch is returned when uploaded pixel data does
	// not match the texture's storage size.
	ErrUploadSizeMismatch = errors.New("backend: upload size mismatch")

	// ErrUnknownUniform is returned when setting a uniform the program
	// does not declare.
	ErrUnknownUniform = errors.New("backend: unknown uniform")
)

// CompileError reports a shader stage compilation failure. It carries
// the device's diagnostic log together with the stage and source so a
// caller can surface or retry (e.g. after a hot reload).
type CompileError struct {
	// Stage is the shader stage that failed.
	Stage ShaderStage

	// Log is the device compiler's diagnostic output.
	Log string

	// Source is the preprocessed source that was submitted.
	Source string

	// Err is the underlying device error, if any.
	Err error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	return fmt.Sprintf("backend: %s shader compilation failed: %s", e.Stage, e.Log)
}

// Unwrap returns the underlying device error.
func (e *CompileError) Unwrap() error { return e.Err }

// LinkError reports a program link failure.
type LinkError struct {
	// Log is the device linker's diagnostic output.
	Log string

	// Err is the underlying device error, if any.
	Err error
}

// Error implements the error interface.
func (e *LinkError) Error() string {
	return fmt.Sprintf("backend: program link failed: %s", e.Log)
}

// Unwrap returns the underlying device error.
func (e *LinkError) Unwrap() error { return e.Err }
