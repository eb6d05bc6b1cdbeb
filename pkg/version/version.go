// Package version provides the build version information shared by the
// ptosensor, ptosupervisor, ptovalidator and ptoctl binaries.
package version

// Version is the release version, injected via ldflags at build time.
var Version = "dev"

// Commit is the git commit hash, injected via ldflags at build time.
var Commit = "none"

// Date is the build date, injected via ldflags at build time.
var Date = "unknown"
