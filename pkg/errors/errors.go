/*
 * Copyright 2025 The Perch Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package errors

import (
	"errors"
)

// StatusError is an error carrying a (domain, code) identity.
type StatusError interface {
	error
	Domain() Domain
	Code() Code
}

type statusError struct {
	err    error
	domain Domain
	code   Code
}

// Error returns the error message.
func (e statusError) Error() string {
	return e.err.Error()
}

// Domain returns the error domain.
func (e statusError) Domain() Domain {
	return e.domain
}

// Code returns the error code.
func (e statusError) Code() Code {
	return e.code
}

// Unwrap returns the underlying error for error chain compatibility.
func (e statusError) Unwrap() error {
	return e.err
}

// Is reports whether the target carries the same (domain, code) pair. It
// lets sentinel instances match wrapped copies under errors.Is.
func (e statusError) Is(target error) bool {
	var se StatusError
	if !errors.As(target, &se) {
		return false
	}
	return se.Domain() == e.domain && se.Code() == e.code
}

func newStatusError(err error, domain Domain, code Code) StatusError {
	return statusError{err: err, domain: domain, code: code}
}

// New creates an error in the given domain with the given code. Use the
// named constructors for DomainPerch codes.
func New(domain Domain, code Code, message string) StatusError {
	return newStatusError(errors.New(message), domain, code)
}

// NotFound creates a new "not found" error.
func NotFound(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeNotFound)
}

// Conflict creates a new revision-conflict error.
func Conflict(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeConflict)
}

// Corrupt creates a new data-corruption error.
func Corrupt(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeCorrupt)
}

// Busy creates a new "another writer" error.
func Busy(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeBusy)
}

// NotInTransaction creates an error for a write outside a transaction.
func NotInTransaction(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeNotInTransaction)
}

// TransactionNotClosed creates an error for closing with an open transaction.
func TransactionNotClosed(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeTransactionNotClosed)
}

// CantOpenFile creates an error for an unopenable database file.
func CantOpenFile(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeCantOpenFile)
}

// NotWriteable creates an error for a write on a read-only handle.
func NotWriteable(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeNotWriteable)
}

// CorruptData creates an error for data failing validation on input.
func CorruptData(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeCorruptData)
}

// Unauthorized creates a new authentication error.
func Unauthorized(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeUnauthorized)
}

// Forbidden creates a new authorization error.
func Forbidden(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeForbidden)
}

// NetworkReset creates a new connection-reset error.
func NetworkReset(message string) StatusError {
	return newStatusError(errors.New(message), DomainNetwork, CodeNetworkReset)
}

// UnknownHost creates a new host-resolution error.
func UnknownHost(message string) StatusError {
	return newStatusError(errors.New(message), DomainNetwork, CodeUnknownHost)
}

// Timeout creates a new deadline error.
func Timeout(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeTimeout)
}

// Unsupported creates a new unimplemented-feature error.
func Unsupported(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeUnsupported)
}

// InvalidArgument creates a new invalid-argument error.
func InvalidArgument(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeInvalidArgument)
}

// Canceled creates a new cancellation error.
func Canceled(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeCanceled)
}

// Remote creates an error relayed from a remote peer. The domain and code
// of the remote error are preserved in the message; the local identity is
// (DomainPerch, CodeRemote).
func Remote(message string) StatusError {
	return newStatusError(errors.New(message), DomainPerch, CodeRemote)
}

// Is reports whether any error in err's chain matches target, as
// errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target, as errors.As
// from the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// DomainOf returns the domain of the error, or DomainPerch if it carries
// no status.
func DomainOf(err error) Domain {
	var se StatusError
	if errors.As(err, &se) {
		return se.Domain()
	}
	return DomainPerch
}

// CodeOf returns the code of the error, or zero if it carries no status.
func CodeOf(err error) Code {
	var se StatusError
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

// IsTransient reports whether the error is worth retrying after a backoff.
// Permanent errors stop the replicator; transient ones put it offline.
func IsTransient(err error) bool {
	var se StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Domain() {
	case DomainNetwork:
		return true
	case DomainWebSocket:
		// 408 Request Timeout and 429 Too Many Requests are retryable;
		// remaining 4xx are permanent, 5xx transient.
		code := int(se.Code())
		return code == 408 || code == 429 || (code >= 500 && code < 600)
	default:
		switch se.Code() {
		case CodeBusy, CodeTimeout:
			return true
		}
	}
	return false
}
