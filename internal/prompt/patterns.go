package prompt

import (
	"regexp"
	"strconv"
)

// Pattern is a named regular expression over one console line.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

var (
	// Autoboot matches the countdown U-Boot prints before running bootcmd.
	Autoboot = Pattern{"autoboot", regexp.MustCompile(`(?i)hit any key to stop autoboot`)}

	// BytesTransferred matches the tftp summary line.
	BytesTransferred = Pattern{"bytes_transferred", regexp.MustCompile(`Bytes transferred = (\d+)`)}

	// HostAlive matches a successful ping.
	HostAlive = Pattern{"host_alive", regexp.MustCompile(`is alive\s*$`)}

	// StartingKernel matches the last line bootm prints before handing over.
	StartingKernel = Pattern{"starting_kernel", regexp.MustCompile(`Starting kernel \.\.\.`)}

	// UnknownCommand matches the shell's reply to a command it does not have.
	UnknownCommand = Pattern{"unknown_command", regexp.MustCompile(`Unknown command '([^']*)'`)}
)

// Match reports whether line matches the pattern.
func (p Pattern) Match(line string) bool {
	return p.Regex.MatchString(line)
}

// FindLast returns the last line in lines matching p.
func (p Pattern) FindLast(lines []string) (string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		if p.Regex.MatchString(lines[i]) {
			return lines[i], true
		}
	}
	return "", false
}

// TransferredBytes extracts the byte count from a tftp response, if present.
func TransferredBytes(lines []string) (uint64, bool) {
	line, ok := BytesTransferred.FindLast(lines)
	if !ok {
		return 0, false
	}
	m := BytesTransferred.Regex.FindStringSubmatch(line)
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
