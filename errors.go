// Copyright (c) 2026 Nlaak Studios (https://nlaak.com)
// Author: Andrew Donelson (https://www.linkedin.com/in/andrew-donelson/)
//
// errors.go — sentinel error variables returned by the public stash API,
// covering misses, encode/decode failures, configuration, counters and
// tier unavailability.

// Package stash provides pluggable value serializers and a tiered key/value
// store that applies them across in-memory (L1), Redis (L2) and PostgreSQL
// (L3) storage behind a single API.
package stash

import (
	"errors"

	"github.com/AndrewDonelson/stash/internal/serializer"
	"github.com/AndrewDonelson/stash/internal/value"
)

// Data errors
var (
	ErrNotFound     = errors.New("stash: key not found")
	ErrNotInteger   = errors.New("stash: stored value is not an integer")
	ErrEncodeFailed = value.ErrUnencodable
	ErrDecodeFailed = serializer.ErrDecode
)

// EncodeError reports a value the serializer cannot represent. It unwraps to
// ErrEncodeFailed.
type EncodeError = value.EncodeError

// Serializer errors
var (
	ErrUnknownSerializer = serializer.ErrUnknown
)

// Lifecycle errors
var (
	ErrClosed = errors.New("stash: store is closed")
)

// Infrastructure errors
var (
	ErrL2Unavailable = errors.New("stash: L2 Redis unavailable")
	ErrL3Unavailable = errors.New("stash: L3 Postgres unavailable")
)

// Config errors
var (
	ErrInvalidConfig = errors.New("stash: invalid configuration")
)

// Write-behind errors
var (
	ErrWriteBehindMaxRetry = errors.New("stash: write-behind exceeded max retries")
)
