// Package channeltest provides an in-memory target speaking a small subset
// of a shell and the pm install protocol, for exercising channel users.
package channeltest

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// InstallSession is the device-side view of an install session.
type InstallSession struct {
	ID        int
	Total     int64
	Files     map[string][]byte
	Order     []string
	Committed bool
	Abandoned bool
}

// Written returns the number of bytes received for the session.
func (s *InstallSession) Written() int64 {
	var n int64
	for _, b := range s.Files {
		n += int64(len(b))
	}
	return n
}

// Device is a fake package manager host. Zero value is usable; fields
// configure failure injection and must be set before use.
type Device struct {
	// DenyPathReads makes every `cat <path>` fail with Permission denied.
	DenyPathReads bool
	// DeniedPaths makes `cat` of the listed paths fail the same way.
	DeniedPaths map[string]bool
	// DenyStreamWrites rejects stream-form writes the same way.
	DenyStreamWrites bool
	// CreateResponse overrides the install-create reply when non-empty.
	CreateResponse string
	// CommitResponse overrides the install-commit reply when non-empty.
	CommitResponse string
	// BlankCommands lists command prefixes that print nothing to stdout and
	// their diagnostic to stderr.
	BlankCommands map[string]string
	// FailUninstall makes pm uninstall report a failure.
	FailUninstall bool
	// DropOn closes the shell when a command starting with this prefix arrives.
	DropOn string

	mu        sync.Mutex
	nextID    int
	sessions  map[int]*InstallSession
	installed map[string]bool
	commands  []string
}

// Session returns the install session with id.
func (d *Device) Session(id int) (*InstallSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	return s, ok
}

// Sessions returns the number of install sessions created.
func (d *Device) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Commands returns every command line received, in order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// CommandsWithPrefix returns received commands beginning with prefix.
func (d *Device) CommandsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range d.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Install marks pkg as installed.
func (d *Device) Install(pkg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.installed == nil {
		d.installed = map[string]bool{}
	}
	d.installed[pkg] = true
}

// Installed reports whether pkg is installed.
func (d *Device) Installed(pkg string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed[pkg]
}

func (d *Device) record(cmd string) {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()
}

// result of interpreting one line.
type result struct {
	stdout string
	stderr string
	drop   bool
}

func (d *Device) run(line string) result {
	line = strings.TrimSpace(line)
	if line == "" {
		return result{}
	}
	d.record(line)

	if d.DropOn != "" && strings.HasPrefix(line, d.DropOn) {
		return result{drop: true}
	}
	for prefix, diag := range d.BlankCommands {
		if strings.HasPrefix(line, prefix) {
			return result{stderr: diag + "\n"}
		}
	}

	if strings.HasPrefix(line, "echo ") {
		arg := strings.TrimPrefix(line, "echo ")
		if strings.HasSuffix(arg, ">&2") {
			return result{stderr: strings.TrimSpace(strings.TrimSuffix(arg, ">&2")) + "\n"}
		}
		return result{stdout: arg + "\n"}
	}

	if left, right, ok := strings.Cut(line, " | "); ok {
		return d.pipe(left, right)
	}

	args := SplitArgs(line)
	if len(args) >= 2 && args[0] == "pm" {
		return d.pm(args[1:], nil)
	}
	return result{stderr: fmt.Sprintf("sh: %s: not found\n", args[0])}
}

func (d *Device) pipe(left, right string) result {
	largs := SplitArgs(left)
	rargs := SplitArgs(right)
	if len(largs) != 2 || largs[0] != "cat" || len(rargs) < 2 || rargs[0] != "pm" {
		return result{stderr: "sh: unsupported pipeline\n"}
	}
	path := largs[1]
	if d.DenyPathReads || d.DeniedPaths[path] {
		return result{stderr: fmt.Sprintf("cat: %s: Permission denied\n", path)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return result{stderr: fmt.Sprintf("cat: %s: No such file or directory\n", path)}
	}
	return d.pm(rargs[1:], data)
}

// pm interprets package manager commands. input is the data piped to
// install-write; nil means no pipe.
func (d *Device) pm(args []string, input []byte) result {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch args[0] {
	case "install-create":
		total, ok := flagValue(args, "-S")
		if !ok {
			return result{stdout: "Error: -S is required\n"}
		}
		size, _ := strconv.ParseInt(total, 10, 64)
		if d.sessions == nil {
			d.sessions = map[int]*InstallSession{}
		}
		d.nextID++
		id := 1000 + d.nextID
		reply := fmt.Sprintf("Success: created install session [%d]", id)
		if d.CreateResponse != "" {
			// A custom reply still opens a session when it reports success,
			// under the first number it mentions.
			reply = d.CreateResponse
			if !strings.HasPrefix(strings.ToLower(reply), "success") {
				return result{stdout: reply + "\n"}
			}
			if run := firstDigits(reply); run != "" {
				id, _ = strconv.Atoi(run)
			}
		}
		d.sessions[id] = &InstallSession{ID: id, Total: size, Files: map[string][]byte{}}
		return result{stdout: reply + "\n"}

	case "install-write":
		return d.installWrite(args, input, false)

	case "install-commit":
		if len(args) < 2 {
			return result{stdout: "Error: missing session id\n"}
		}
		id, _ := strconv.Atoi(args[1])
		s, ok := d.sessions[id]
		if !ok {
			return result{stdout: "Failure [INSTALL_FAILED_INTERNAL_ERROR: unknown session]\n"}
		}
		if d.CommitResponse != "" {
			return result{stdout: d.CommitResponse + "\n"}
		}
		if s.Written() != s.Total {
			return result{stdout: fmt.Sprintf("Failure [INSTALL_FAILED_INVALID_APK: wrote %d of %d bytes]\n", s.Written(), s.Total)}
		}
		s.Committed = true
		return result{stdout: "Success\n"}

	case "clear":
		if len(args) < 2 {
			return result{stdout: "Error: no package specified\n"}
		}
		return result{stdout: "Success\n"}

	case "uninstall":
		if len(args) < 2 {
			return result{stdout: "Error: no package specified\n"}
		}
		if d.FailUninstall || !d.installed[args[1]] {
			return result{stdout: "Failure [DELETE_FAILED_INTERNAL_ERROR]\n"}
		}
		delete(d.installed, args[1])
		return result{stdout: "Success\n"}
	}
	return result{stdout: fmt.Sprintf("Unknown command: %s\n", args[0])}
}

// runStream interprets a command fed with a raw byte stream.
func (d *Device) runStream(line string, data []byte) string {
	d.record(line)
	args := SplitArgs(line)
	if len(args) < 2 || args[0] != "pm" || args[1] != "install-write" {
		return "Error: unsupported stream command"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.TrimSpace(d.installWrite(args[1:], data, true).stdout)
}

// installWrite handles `install-write -S size sid name [-]`. Caller holds d.mu.
func (d *Device) installWrite(args []string, input []byte, stream bool) result {
	sizeStr, ok := flagValue(args, "-S")
	if !ok {
		return result{stdout: "Error: -S is required\n"}
	}
	rest := positional(args[1:], "-S")
	if len(rest) < 2 {
		return result{stdout: "Error: missing session id or name\n"}
	}
	id, _ := strconv.Atoi(rest[0])
	name := rest[1]
	s, ok := d.sessions[id]
	if !ok {
		return result{stdout: "Error: unknown session\n"}
	}
	if stream && d.DenyStreamWrites {
		return result{stdout: "Failure [Permission denied]\n"}
	}
	size, _ := strconv.ParseInt(sizeStr, 10, 64)
	if int64(len(input)) != size {
		return result{stdout: fmt.Sprintf("Error: short write: %d of %d bytes\n", len(input), size)}
	}
	s.Files[name] = bytes.Clone(input)
	s.Order = append(s.Order, name)
	return result{stdout: fmt.Sprintf("Success: streamed %d bytes\n", size)}
}

func firstDigits(s string) string {
	start := strings.IndexAny(s, "0123456789")
	if start < 0 {
		return ""
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[start:end]
}

func flagValue(args []string, flag string) (string, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

// positional drops flag and its value from args, and a trailing "-".
func positional(args []string, flag string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		if args[i] == flag {
			i++
			continue
		}
		if args[i] == "-" {
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// SplitArgs splits a command line on whitespace honouring double quotes.
func SplitArgs(line string) []string {
	var args []string
	var cur strings.Builder
	inQuote, started := false, false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case (r == ' ' || r == '\t') && !inQuote:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, cur.String())
	}
	return args
}
