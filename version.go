// Copyright (c) 2026 Nlaak Studios (https://nlaak.com)
// Author: Andrew Donelson (https://www.linkedin.com/in/andrew-donelson/)
//
// version.go — release metadata stamped at link time and reported in the
// "store ready" log line emitted by New.

package stash

// Link-time stamps. An unstamped build reports "0000.00.00-0000-dev".
//
//	go build -ldflags "-X 'github.com/AndrewDonelson/stash.BuildDate=2026.10.14-0930' \
//	                   -X 'github.com/AndrewDonelson/stash.BuildEnv=prod'"
var (
	// BuildDate is YYYY.MM.DD-HHMM on a 24-hour clock.
	BuildDate = "0000.00.00-0000"

	// BuildEnv is one of dev, qa or prod.
	BuildEnv = "dev"
)

// Version joins BuildDate and BuildEnv, e.g. "2026.10.14-0930-prod".
func Version() string {
	return BuildDate + "-" + BuildEnv
}
