// Unified error handling for the ELS host
//
// Copyright (C) 2026  ELS-Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Motion errors
	ErrMotion         ErrorCode = "MOTION"
	ErrMotionAxis     ErrorCode = "MOTION_AXIS"
	ErrMotionEncoder  ErrorCode = "MOTION_ENCODER"
	ErrMotionDisabled ErrorCode = "MOTION_DISABLED"

	// Operation workflow errors
	ErrOperation         ErrorCode = "OPERATION"
	ErrOperationSetup    ErrorCode = "OPERATION_SETUP"
	ErrOperationTouchOff ErrorCode = "OPERATION_TOUCHOFF"

	// Runtime errors
	ErrRuntime      ErrorCode = "RUNTIME"
	ErrRuntimeInit  ErrorCode = "RUNTIME_INIT"
	ErrRuntimeSched ErrorCode = "RUNTIME_SCHED"
	ErrRuntimeHMI   ErrorCode = "RUNTIME_HMI"
)

// ControlError is the unified error type for the host system
type ControlError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or component context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *ControlError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Option, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
}

// Unwrap returns the underlying error
func (e *ControlError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *ControlError) SetSection(section string) *ControlError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *ControlError) SetOption(option string) *ControlError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *ControlError) SetContext(key string, value interface{}) *ControlError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *ControlError {
	return &ControlError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new ControlError
func New(code ErrorCode, message string) *ControlError {
	return &ControlError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *ControlError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *ControlError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *ControlError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *ControlError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Motion errors

// MotionError creates a general motion error
func MotionError(message string) *ControlError {
	return New(ErrMotion, message)
}

// AxisError creates an axis-specific motion error
func AxisError(axis string, message string) *ControlError {
	return New(ErrMotionAxis, fmt.Sprintf("axis %s: %s", axis, message)).
		SetSection(axis)
}

// EncoderError creates an error for spindle encoder failure
func EncoderError(message string) *ControlError {
	return New(ErrMotionEncoder, message)
}

// AxisDisabledError creates an error for commands to a disabled axis
func AxisDisabledError(axis string) *ControlError {
	return New(ErrMotionDisabled, fmt.Sprintf("axis %s is disabled", axis)).
		SetSection(axis)
}

// Operation errors

// OperationError creates a general operation workflow error
func OperationError(message string) *ControlError {
	return New(ErrOperation, message)
}

// OperationSetupError creates an error for incomplete operation setup
func OperationSetupError(mode, reason string) *ControlError {
	return New(ErrOperationSetup, fmt.Sprintf("mode %s: %s", mode, reason)).
		SetSection(mode)
}

// TouchOffError creates an error for missing touch-off references
func TouchOffError(reason string) *ControlError {
	return New(ErrOperationTouchOff, reason)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *ControlError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, reason string) *ControlError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason))
}

// RuntimeErrorSched creates an error for scheduler failure
func RuntimeErrorSched(task string, reason string) *ControlError {
	return New(ErrRuntimeSched, fmt.Sprintf("scheduler task %s: %s", task, reason))
}

// RuntimeErrorHMI creates an error for pendant/HMI link failure
func RuntimeErrorHMI(operation string, reason string) *ControlError {
	return New(ErrRuntimeHMI, fmt.Sprintf("HMI %s failed: %s", operation, reason))
}

// RecoverPanic safely recovers from panic and converts to error
func RecoverPanic() *ControlError {
	if r := recover(); r != nil {
		var err error
		switch x := r.(type) {
		case string:
			err = RuntimeError(fmt.Sprintf("panic: %s", x))
		case error:
			err = RuntimeError(x.Error())
		case runtime.Error:
			err = RuntimeError(x.Error())
		default:
			err = RuntimeError(fmt.Sprintf("panic: %v", x))
		}
		return err.(*ControlError)
	}
	return nil
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	if ctrlErr, ok := err.(*ControlError); ok {
		return ctrlErr.Code == code
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsMotion checks if error is a motion error
func IsMotion(err error) bool {
	return Is(err, ErrMotion) ||
		Is(err, ErrMotionAxis) ||
		Is(err, ErrMotionEncoder) ||
		Is(err, ErrMotionDisabled)
}

// IsRuntime checks if error is a runtime error
func IsRuntime(err error) bool {
	return Is(err, ErrRuntime) ||
		Is(err, ErrRuntimeInit) ||
		Is(err, ErrRuntimeSched) ||
		Is(err, ErrRuntimeHMI)
}
