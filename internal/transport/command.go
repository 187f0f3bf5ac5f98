package transport

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTemplate runs the helper with the destination as two arguments.
const DefaultTemplate = "{exec} {host} {port}"

// DefaultHelper is the helper executable expected inside the container.
const DefaultHelper = "nc"

var (
	// hostnames, IPv4 and bracket-less IPv6 literals
	hostRe = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)
	// container and task names passed to a remote shell
	nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)
)

// ValidHost reports whether host is safe to place on a remote command line.
func ValidHost(host string) bool {
	return host != "" && len(host) <= 253 && hostRe.MatchString(host)
}

// CommandBuilder renders the helper command for a destination.
//
// The template may reference {exec}, {host} and {port}.  Substituted
// values never contain whitespace or shell metacharacters: hosts are
// checked with ValidHost before rendering.
type CommandBuilder struct {
	Exec     string // helper executable, DefaultHelper when empty
	Template string // DefaultTemplate when empty
}

// Argv returns the helper command split into arguments.
func (b CommandBuilder) Argv(dest Destination) ([]string, error) {
	line, err := b.Line(dest)
	if err != nil {
		return nil, err
	}
	return strings.Fields(line), nil
}

// Line returns the helper command as a single line.
func (b CommandBuilder) Line(dest Destination) (string, error) {
	if !ValidHost(dest.Host) {
		return "", fmt.Errorf("invalid destination host %q", dest.Host)
	}
	if dest.Port < 1 || dest.Port > 65535 {
		return "", fmt.Errorf("invalid destination port %d", dest.Port)
	}
	exec := b.Exec
	if exec == "" {
		exec = DefaultHelper
	}
	tmpl := b.Template
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	r := strings.NewReplacer(
		"{exec}", exec,
		"{host}", dest.Host,
		"{port}", strconv.Itoa(dest.Port),
	)
	line := strings.TrimSpace(r.Replace(tmpl))
	if line == "" {
		return "", fmt.Errorf("remote command template %q renders empty", tmpl)
	}
	return line, nil
}
