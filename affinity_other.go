// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build !linux

package dispatch

import (
	"errors"
)

var errAffinityUnsupported = errors.New("dispatch: cpu affinity is not supported on this platform")

func setAffinity(int) error {
	return errAffinityUnsupported
}
