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

// Package errors provides typed errors for the database and the replicator.
// Every public operation that fails surfaces a (domain, code) pair; the pair
// is the external identity of the error.
package errors

import "fmt"

// Domain is the namespace of an error code.
type Domain int

const (
	// DomainPerch is the domain of errors raised by this engine.
	DomainPerch Domain = iota + 1

	// DomainPOSIX carries errno values from the operating system.
	DomainPOSIX

	// DomainSQLite carries result codes from the backing SQLite store.
	DomainSQLite

	// DomainJSON carries errors from body encoding and decoding.
	DomainJSON

	// DomainNetwork carries transport-level failures.
	DomainNetwork

	// DomainWebSocket carries status codes from a WebSocket close frame or
	// an HTTP response during the handshake.
	DomainWebSocket
)

// String returns the name of the domain.
func (d Domain) String() string {
	switch d {
	case DomainPerch:
		return "Perch"
	case DomainPOSIX:
		return "POSIX"
	case DomainSQLite:
		return "SQLite"
	case DomainJSON:
		return "JSON"
	case DomainNetwork:
		return "Network"
	case DomainWebSocket:
		return "WebSocket"
	default:
		return fmt.Sprintf("domain_%d", int(d))
	}
}

// Code identifies an error within DomainPerch. Codes in other domains keep
// the numbering of their source (errno, SQLite result code, WebSocket
// status).
type Code int

const (
	// CodeNotFound indicates that a requested entity does not exist.
	CodeNotFound Code = iota + 1

	// CodeConflict indicates a revision conflict on write.
	CodeConflict

	// CodeCorrupt indicates that stored data failed an integrity check.
	CodeCorrupt

	// CodeBusy indicates that another writer holds the file.
	CodeBusy

	// CodeNotInTransaction indicates a write outside a transaction.
	CodeNotInTransaction

	// CodeTransactionNotClosed indicates a handle was closed with a
	// transaction still open.
	CodeTransactionNotClosed

	// CodeCantOpenFile indicates the database file could not be opened.
	CodeCantOpenFile

	// CodeNotWriteable indicates a write on a read-only handle.
	CodeNotWriteable

	// CodeCorruptData indicates that supplied data failed validation,
	// such as a blob whose digest does not match its key.
	CodeCorruptData

	// CodeUnauthorized indicates the remote rejected our credentials.
	CodeUnauthorized

	// CodeForbidden indicates the remote refused the operation.
	CodeForbidden

	// CodeNetworkReset indicates the connection was reset by the peer.
	CodeNetworkReset

	// CodeUnknownHost indicates the remote host could not be resolved.
	CodeUnknownHost

	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout

	// CodeUnsupported indicates a feature that is not implemented.
	CodeUnsupported

	// CodeInvalidArgument indicates a malformed argument from the caller.
	CodeInvalidArgument

	// CodeCanceled indicates the owning database or replicator shut down.
	CodeCanceled

	// CodeRemote indicates an error relayed from the remote peer.
	CodeRemote
)

// String returns the string representation of the code.
func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "not_found"
	case CodeConflict:
		return "conflict"
	case CodeCorrupt:
		return "corrupt"
	case CodeBusy:
		return "busy"
	case CodeNotInTransaction:
		return "not_in_transaction"
	case CodeTransactionNotClosed:
		return "transaction_not_closed"
	case CodeCantOpenFile:
		return "cant_open_file"
	case CodeNotWriteable:
		return "not_writeable"
	case CodeCorruptData:
		return "corrupt_data"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeForbidden:
		return "forbidden"
	case CodeNetworkReset:
		return "network_reset"
	case CodeUnknownHost:
		return "unknown_host"
	case CodeTimeout:
		return "timeout"
	case CodeUnsupported:
		return "unsupported"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeCanceled:
		return "canceled"
	case CodeRemote:
		return "remote_error"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}
