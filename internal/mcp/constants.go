package mcp

// Shared parameter descriptions.
const (
	descAddr     = "Device memory address, e.g. 0x82000000"
	descSrc      = "Image path, glob or sftp://[user@]host[:port]/path reference"
	descDst      = "Local file to write"
	descSize     = "Number of bytes, e.g. 4m or 0x400000"
	errAddrParam = "addr: %v"
)
