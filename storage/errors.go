/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package storage

import "github.com/pkg/errors"

var (
	// ErrNoLedger is returned when a ledger is unknown to this bookie.
	ErrNoLedger = errors.New("ledger not found")

	// ErrNoEntry is returned when an entry is not stored on this bookie.
	ErrNoEntry = errors.New("entry not found")

	// ErrLedgerFenced is returned on normal writes to a fenced ledger.
	ErrLedgerFenced = errors.New("ledger fenced")

	// ErrUnauthorizedAccess is returned when the supplied master key does
	// not match the key the ledger was created with.
	ErrUnauthorizedAccess = errors.New("master key mismatch")

	// ErrNoWritableDir is returned when every ledger directory is full or
	// has failed.
	ErrNoWritableDir = errors.New("no writable ledger directory")

	// ErrInvalidCookie is returned at startup when the on-disk cookies and
	// the metadata-service cookie disagree about the directory layout.
	ErrInvalidCookie = errors.New("cookie mismatch")

	// ErrMetadata covers failures of the metadata-service collaborator.
	ErrMetadata = errors.New("metadata service failure")

	// ErrIO marks unrecoverable local disk failures.
	ErrIO = errors.New("i/o failure")

	// ErrInterrupted is returned when an operation is cut short by shutdown.
	ErrInterrupted = errors.New("interrupted")

	// ErrReadOnly is returned on writes after the read-only transition.
	ErrReadOnly = errors.New("bookie is read-only")
)

// process exit codes, reported by Bookie.Wait
const (
	ExitOK            = 0
	ExitBookieError   = 1
	ExitMetaRegFailed = 2
	ExitMetaExpired   = 3
	ExitInvalidConf   = 4
	ExitInvalidCookie = 5
)
