// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import "fmt"

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0
)

// appBuild may be set at link time with
// -ldflags "-X main.appBuild=foo".
var appBuild string

// version returns the application version as a properly formed string.
func version() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appBuild != "" {
		v += "+" + appBuild
	}
	return v
}
