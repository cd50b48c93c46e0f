// Copyright 2023 The GigaFS Authors.
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
	ErrNotFound         = errors.New("entry not found")
	ErrAlreadyExists    = errors.New("entry already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrLeaseExpired     = errors.New("parent dir lease expired")
	ErrStaleDirIndex    = errors.New("stale dir index")
	ErrBatchInProgress  = errors.New("another create batch is in progress")
	ErrTimeout          = errors.New("operation timed out")
	ErrIO               = errors.New("io error")
	ErrCorruption       = errors.New("data corruption")
	ErrInvalidArgument  = errors.New("invalid argument")

	ErrNotADirectory = errors.New("not a directory")
	ErrReadonly      = errors.New("filesystem is readonly")
	ErrBadMessage    = errors.New("malformed rpc message")
)
