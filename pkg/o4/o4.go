// Package o4 provides version information and global flags shared across
// the entire o4 codebase.
package o4

// Version is the current o4 version.
const Version = "1.0.0"

// DebugEnabled controls whether Logger.Debug* methods actually emit output.
// It is set by the pyforce subcommand's --debug flag; nothing else sets it.
var DebugEnabled = false

// LegalNotice is the project's license notice text. No o4 command prints
// it.
const LegalNotice = `o4 is distributed under the terms of its project license.
It depends on a number of third-party open source packages, each
distributed under the terms of their respective licenses.
`
