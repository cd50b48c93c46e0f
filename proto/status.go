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

package proto

import (
	"errors"

	apierrors "github.com/gigafs/gigafs/errors"
)

// Status codes travel on the wire as a uvarint ahead of every response
// body. They map 1:1 onto the sentinel errors of the errors package.
const (
	CodeOK uint32 = iota
	CodeNotFound
	CodeAlreadyExists
	CodePermissionDenied
	CodeLeaseExpired
	CodeStaleDirIndex
	CodeBatchInProgress
	CodeTimeout
	CodeIO
	CodeCorruption
	CodeInvalidArgument
	CodeNotADirectory
	CodeReadonly
)

var codeToErr = map[uint32]error{
	CodeNotFound:         apierrors.ErrNotFound,
	CodeAlreadyExists:    apierrors.ErrAlreadyExists,
	CodePermissionDenied: apierrors.ErrPermissionDenied,
	CodeLeaseExpired:     apierrors.ErrLeaseExpired,
	CodeStaleDirIndex:    apierrors.ErrStaleDirIndex,
	CodeBatchInProgress:  apierrors.ErrBatchInProgress,
	CodeTimeout:          apierrors.ErrTimeout,
	CodeIO:               apierrors.ErrIO,
	CodeCorruption:       apierrors.ErrCorruption,
	CodeInvalidArgument:  apierrors.ErrInvalidArgument,
	CodeNotADirectory:    apierrors.ErrNotADirectory,
	CodeReadonly:         apierrors.ErrReadonly,
}

var errToCode = map[error]uint32{}

func init() {
	for code, err := range codeToErr {
		errToCode[err] = code
	}
}

// StatusOf translates an engine error into a wire status code. Unknown
// errors degrade to CodeIO so a remote caller still sees a failure.
func StatusOf(err error) uint32 {
	if err == nil {
		return CodeOK
	}
	for sentinel, code := range errToCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeIO
}

// ErrOf translates a wire status code back into a sentinel error.
// CodeOK yields nil.
func ErrOf(code uint32) error {
	if code == CodeOK {
		return nil
	}
	if err, ok := codeToErr[code]; ok {
		return err
	}
	return apierrors.ErrIO
}
