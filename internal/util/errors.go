/*
Copyright 2024 The VolumeDriver Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package util

import "errors"

// ErrObjectNotFound is returned when an object is not found in a backend namespace.
type ErrObjectNotFound struct {
	Name string
	Err  error
}

func (e ErrObjectNotFound) Error() string { return e.Err.Error() }
func (e ErrObjectNotFound) Unwrap() error { return e.Err }

// NewErrObjectNotFound returns a new ErrObjectNotFound.
func NewErrObjectNotFound(name string, err error) ErrObjectNotFound {
	return ErrObjectNotFound{Name: name, Err: err}
}

// ErrSnapshotNotFound is returned when a named snapshot does not exist in the manifest.
type ErrSnapshotNotFound struct {
	Name string
	Err  error
}

func (e ErrSnapshotNotFound) Error() string { return e.Err.Error() }
func (e ErrSnapshotNotFound) Unwrap() error { return e.Err }

// NewErrSnapshotNotFound returns a new ErrSnapshotNotFound.
func NewErrSnapshotNotFound(name string, err error) ErrSnapshotNotFound {
	return ErrSnapshotNotFound{Name: name, Err: err}
}

// ErrFileExists is returned when a put with overwrite=false targets an existing object.
type ErrFileExists struct {
	Name string
	Err  error
}

func (e ErrFileExists) Error() string { return e.Err.Error() }
func (e ErrFileExists) Unwrap() error { return e.Err }

// NewErrFileExists returns a new ErrFileExists.
func NewErrFileExists(name string, err error) ErrFileExists {
	return ErrFileExists{Name: name, Err: err}
}

// ErrInsufficientResources is returned when a volume's non-disposable SCO
// cache budget is exhausted.
type ErrInsufficientResources struct {
	VolumeID string
	Err      error
}

func (e ErrInsufficientResources) Error() string { return e.Err.Error() }
func (e ErrInsufficientResources) Unwrap() error { return e.Err }

// NewErrInsufficientResources returns a new ErrInsufficientResources.
func NewErrInsufficientResources(volumeID string, err error) ErrInsufficientResources {
	return ErrInsufficientResources{VolumeID: volumeID, Err: err}
}

// ErrPreviousSnapshotNotOnBackend is returned when an operation requires the
// prior snapshot to be durable on the backend and it is not yet.
type ErrPreviousSnapshotNotOnBackend struct {
	Name string
	Err  error
}

func (e ErrPreviousSnapshotNotOnBackend) Error() string { return e.Err.Error() }
func (e ErrPreviousSnapshotNotOnBackend) Unwrap() error { return e.Err }

// NewErrPreviousSnapshotNotOnBackend returns a new ErrPreviousSnapshotNotOnBackend.
func NewErrPreviousSnapshotNotOnBackend(name string, err error) ErrPreviousSnapshotNotOnBackend {
	return ErrPreviousSnapshotNotOnBackend{Name: name, Err: err}
}

// ErrObjectStillHasChildren is returned when deleteSnapshot/restoreSnapshot
// would orphan a live clone.
type ErrObjectStillHasChildren struct {
	Name string
	Err  error
}

func (e ErrObjectStillHasChildren) Error() string { return e.Err.Error() }
func (e ErrObjectStillHasChildren) Unwrap() error { return e.Err }

// NewErrObjectStillHasChildren returns a new ErrObjectStillHasChildren.
func NewErrObjectStillHasChildren(name string, err error) ErrObjectStillHasChildren {
	return ErrObjectStillHasChildren{Name: name, Err: err}
}

// ErrInvalidOperation is returned for operations that are not valid given the
// current volume state (e.g. createSnapshot on a template).
type ErrInvalidOperation struct {
	Err error
}

func (e ErrInvalidOperation) Error() string { return e.Err.Error() }
func (e ErrInvalidOperation) Unwrap() error { return e.Err }

// NewErrInvalidOperation returns a new ErrInvalidOperation.
func NewErrInvalidOperation(err error) ErrInvalidOperation {
	return ErrInvalidOperation{Err: err}
}

// ErrMaxRedirectsExceeded is returned by the control-plane client when it has
// followed max_redirects hops without reaching a non-redirecting server.
type ErrMaxRedirectsExceeded struct {
	Host string
	Port int
	Err  error
}

func (e ErrMaxRedirectsExceeded) Error() string { return e.Err.Error() }
func (e ErrMaxRedirectsExceeded) Unwrap() error { return e.Err }

// NewErrMaxRedirectsExceeded returns a new ErrMaxRedirectsExceeded.
func NewErrMaxRedirectsExceeded(host string, port int, err error) ErrMaxRedirectsExceeded {
	return ErrMaxRedirectsExceeded{Host: host, Port: port, Err: err}
}

// ErrHalted is returned by every operation on a volume once it has
// transitioned to the halted terminal state (spec §7).
var ErrHalted = errors.New("volume is halted, operator intervention required")

// ErrFenced is returned when a volume loses its cluster lock to another node.
var ErrFenced = errors.New("volume fenced: lock claimed by another node")

// WireCode is the numeric wire-level error code of spec.md §6.
type WireCode int

const (
	WireObjectNotFound WireCode = iota + 1
	WireInvalidOperation
	WireSnapshotNotFound
	WireFileExists
	WireInsufficientResources
	WirePreviousSnapshotNotOnBackend
	WireObjectStillHasChildren
	WireFault
)

// ToWireCode maps an internal error kind to its numeric wire-level code.
func ToWireCode(err error) WireCode {
	switch {
	case errors.As(err, &ErrObjectNotFound{}):
		return WireObjectNotFound
	case errors.As(err, &ErrInvalidOperation{}):
		return WireInvalidOperation
	case errors.As(err, &ErrSnapshotNotFound{}):
		return WireSnapshotNotFound
	case errors.As(err, &ErrFileExists{}):
		return WireFileExists
	case errors.As(err, &ErrInsufficientResources{}):
		return WireInsufficientResources
	case errors.As(err, &ErrPreviousSnapshotNotOnBackend{}):
		return WirePreviousSnapshotNotOnBackend
	case errors.As(err, &ErrObjectStillHasChildren{}):
		return WireObjectStillHasChildren
	default:
		return WireFault
	}
}
