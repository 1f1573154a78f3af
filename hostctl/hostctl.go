// Package hostctl describes the host controllers (HCs) of a session and
// launches them.
//
// An HC is started with a shell command line that changes into its working
// directory and runs its executable with the MC address and port:
//
//	cd /opt/tests; ./hc 0.0.0.0 9034
//
// Remote HCs are started the same way through ssh:
//
//	ssh lab2 cd /opt/tests; ./hc 10.0.0.1 9034
package hostctl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	mctr "github.com/smnsjas/go-mctr"
)

// NullAddress is the MC host value meaning "any local address".
const NullAddress = "NULL"

// HostController describes one HC to start.
type HostController struct {
	// Host is the machine to run the HC on. Empty, "localhost", "0.0.0.0"
	// and "NULL" mean the local machine.
	Host string
	// WorkingDir is the directory the executable is run from.
	WorkingDir string
	// Executable is the HC executable, relative to WorkingDir.
	Executable string
}

// New validates and returns a HostController. For a local host the working
// directory and the executable must exist.
func New(host, workingDir, executable string) (*HostController, error) {
	switch {
	case workingDir == "" && executable == "":
		return nil, fmt.Errorf("%w: working directory is empty, executable is empty", mctr.ErrIllegalArgument)
	case workingDir == "":
		return nil, fmt.Errorf("%w: working directory is empty", mctr.ErrIllegalArgument)
	case executable == "":
		return nil, fmt.Errorf("%w: executable is empty", mctr.ErrIllegalArgument)
	}

	if IsLocal(host) {
		if fi, err := os.Stat(workingDir); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: working directory %q does not exist", mctr.ErrIllegalArgument, workingDir)
		}
		exe := filepath.Join(workingDir, executable)
		if fi, err := os.Stat(exe); err != nil || !fi.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: executable %q does not exist", mctr.ErrIllegalArgument, exe)
		}
	}

	return &HostController{
		Host:       host,
		WorkingDir: workingDir,
		Executable: executable,
	}, nil
}

// IsLocal reports whether host names the local machine.
func IsLocal(host string) bool {
	switch strings.ToLower(host) {
	case "", "localhost", "0.0.0.0", "null":
		return true
	default:
		return false
	}
}

// Local reports whether the HC runs on the local machine.
func (hc *HostController) Local() bool {
	return IsLocal(hc.Host)
}

// Command returns the shell command line that starts the HC and connects
// it to the MC at mcHost:mcPort.
func (hc *HostController) Command(mcHost string, mcPort int) string {
	var sb strings.Builder
	if !hc.Local() {
		sb.WriteString("ssh ")
		sb.WriteString(hc.Host)
		sb.WriteByte(' ')
	}

	if mcHost == NullAddress {
		mcHost = "0.0.0.0"
	}

	sb.WriteString("cd ")
	sb.WriteString(hc.WorkingDir)
	sb.WriteString("; ./")
	sb.WriteString(hc.Executable)
	sb.WriteByte(' ')
	sb.WriteString(mcHost)
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(mcPort))
	return sb.String()
}

// String returns a short description of the HC for logs.
func (hc *HostController) String() string {
	host := hc.Host
	if hc.Local() {
		host = "localhost"
	}
	return host + ":" + filepath.Join(hc.WorkingDir, hc.Executable)
}
