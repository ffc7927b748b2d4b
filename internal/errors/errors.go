// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package errors defines the error type and functions used by
// relayq and its internal packages.
package errors

import (
	"errors"
	"fmt"
	"log"
	"strings"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of different type.
// An Error value may leave some values unset.
type Error struct {
	Code Code
	Op   Op
	Err  error
}

func (e *Error) DebugString() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Code != Unspecified {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Code != Unspecified {
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Code defines the canonical error code describing the nature of a given error.
type Code uint8

// List of canonical error codes.
const (
	Unspecified Code = iota
	NotFound
	FailedPrecondition
	Internal
	AlreadyExists
	Unknown
	Unavailable
)

func (c Code) String() string {
	switch c {
	case Unspecified:
		return "ERROR_CODE_UNSPECIFIED"
	case NotFound:
		return "NOT_FOUND"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case Internal:
		return "INTERNAL_ERROR"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case Unknown:
		return "UNKNOWN"
	case Unavailable:
		return "UNAVAILABLE"
	}
	panic(fmt.Sprintf("unknown error code %d", c))
}

// Op describes an operation, usually as the package and method,
// such as "rdb.Enqueue".
type Op string

// E builds an error value from its arguments.
// There must be at least one argument or E panics.
// The type of each argument determines its meaning.
// If more than one argument of a given type is presented,
// only the last one is recorded.
//
// The types are:
//
//	errors.Op
//		The operation being performed.
//	errors.Code
//		The canonical error code.
//	string
//		Treated as an error message.
//	error
//		The underlying error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case Op:
			e.Op = arg
		case Code:
			e.Code = arg
		case error:
			e.Err = arg
		case string:
			e.Err = errors.New(arg)
		default:
			log.Panicf("errors.E: bad call from %s: %v", e.Op, args)
		}
	}
	return e
}

// CodeOf returns the error code of the given error
// if one is assigned, otherwise it returns Unspecified.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code != Unspecified {
			return e.Code
		}
		err = errors.Unwrap(err)
	}
	return Unspecified
}

/*
Sentinel errors.
*/

var (
	// ErrNoTaskAvailable indicates that a dequeue found no task eligible
	// for processing in the inspected ready sets.
	ErrNoTaskAvailable = errors.New("no task is ready for processing")

	// ErrQueueNotFound indicates that the named queue is not declared in
	// the engine configuration.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrTaskNotFound indicates that the task record does not exist in the
	// store, either because the id is invalid or the record's TTL elapsed.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskIDConflict indicates that another task with the same id
	// already exists in the store.
	ErrTaskIDConflict = errors.New("task id conflicts with another task")
)

// The standard library aliases, so callers of this package don't have to
// import both packages.
var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// IsQueueNotFound reports whether any error in err's chain is ErrQueueNotFound.
func IsQueueNotFound(err error) bool { return errors.Is(err, ErrQueueNotFound) }

// IsTaskNotFound reports whether any error in err's chain is ErrTaskNotFound.
func IsTaskNotFound(err error) bool { return errors.Is(err, ErrTaskNotFound) }
