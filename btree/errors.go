// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package btree

import "github.com/pkg/errors"

// ErrKeyDoesNotExist is returned by Search and Remove when key is
// absent.
var ErrKeyDoesNotExist = errors.New("btree: key does not exist")

// ErrInsertFailed is returned by Insert when key is already present.
// Duplicates are rejected outright rather than silently overwritten.
var ErrInsertFailed = errors.New("btree: insert failed: key already present")
