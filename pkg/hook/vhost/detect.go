// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package vhost

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrUnavailable is returned when the VHost engine cannot be used on this
// system: wrong platform, missing library or missing exports.
var ErrUnavailable = errors.New("vhost engine unavailable")

// Support describes whether the VHost library can be loaded.
type Support struct {
	Available bool
	Path      string // resolved library path when Available
	Reason    string // non-empty when Available is false
}

// DLLName returns the library file name matching the pointer width of the
// running binary, e.g. VHost64.dll.
func DLLName() string {
	return fmt.Sprintf("VHost%d.dll", strconv.IntSize)
}
