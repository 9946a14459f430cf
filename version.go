package xfermgr

import "github.com/axondata/go-xfermgr/protocol"

// Version is the current version of the xfermgr library
const Version = "1.0.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string
	// Protocol is the command-channel protocol version spoken
	Protocol byte
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:  Version,
		Protocol: protocol.Version,
	}
}
