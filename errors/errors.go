// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import "errors"

var (
	ErrTableDoesNotExist   = errors.New("the table does not exist")
	ErrTableAlreadyCreated = errors.New("the table is already created")
	ErrTableDropped        = errors.New("the table has been dropped")
	ErrTableNotDropped     = errors.New("the table is not dropped")

	// ErrConcurrentModification reports that a commit lost the head race.
	// The caller should re-read the head and retry the whole statement.
	ErrConcurrentModification = errors.New("base snapshot is no longer the table head")

	ErrOutOfRetention   = errors.New("snapshot is outside the time-travel retention window")
	ErrFutureTimestamp  = errors.New("selector is after the table head timestamp")
	ErrNoSuchCommit     = errors.New("no snapshot matches the commit id")
	ErrRetentionExpired = errors.New("recovery window has expired")

	ErrSnapshotDoesNotExist = errors.New("snapshot does not exist")
	ErrSnapshotPurged       = errors.New("snapshot has been purged")

	// ErrPartitionNotFound must never surface under a correct GC; it
	// indicates a collected partition that was still referenced.
	ErrPartitionNotFound = errors.New("partition not found")

	ErrInvalidSelector = errors.New("invalid time selector")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrEmptyCommit     = errors.New("commit carries no partition changes")
)
