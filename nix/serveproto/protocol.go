// Package serveproto implements the wire protocol spoken with a remote
// builder over "nix-store --serve --write": little-endian length-tagged
// integers and strings, a magic handshake, and a small command set.
package serveproto

// Handshake magics. The master writes Magic1 and its version, the remote
// answers Magic2 and its own version.
const (
	Magic1 = 0x390c9deb
	Magic2 = 0x5452eecb

	// OurVersion is protocol 2.3: major in the high byte, minor in the low.
	OurVersion = 0x203
)

func ProtocolMajor(v uint64) uint64 { return v & 0xff00 }
func ProtocolMinor(v uint64) uint64 { return v & 0x00ff }

// Commands accepted by the remote side.
const (
	CmdQueryValidPaths = 1
	CmdQueryPathInfos  = 2
	CmdDumpStorePath   = 3
	CmdImportPaths     = 4
	CmdExportPaths     = 5
	CmdBuildPaths      = 6
	CmdQueryClosure    = 7
	CmdBuildDerivation = 8
	CmdAddToStoreNar   = 9
)

// Build result status codes returned by CmdBuildDerivation.
const (
	StatusBuilt            = 0
	StatusSubstituted      = 1
	StatusAlreadyValid     = 2
	StatusPermanentFailure = 3
	StatusInputRejected    = 4
	StatusOutputRejected   = 5
	StatusTransientFailure = 6
	StatusCachedFailure    = 7 // unused
	StatusTimedOut         = 8
	StatusMiscFailure      = 9
	StatusDependencyFailed = 10
	StatusLogLimitExceeded = 11
	StatusNotDeterministic = 12
)

// exportMagic separates the NAR from the metadata in an exported path.
const exportMagic = 0x4558494e
