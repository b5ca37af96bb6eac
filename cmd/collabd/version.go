package main

import "github.com/AltairaLabs/CollabKit/runtime/version"

const binaryName = "collabd"

// GetVersion returns the build version.
func GetVersion() string {
	return version.Get()
}

// GetVersionInfo returns the version banner printed by --version.
func GetVersionInfo() string {
	return version.Info(binaryName)
}
