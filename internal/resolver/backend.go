package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"regexp"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ErrNotFound is returned by a Backend that has no name for an address.
var ErrNotFound = errors.New("no name found")

// Backend resolves a local peer address to a name.
type Backend interface {
	Lookup(ctx context.Context, addr netip.Addr) (string, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, addr netip.Addr) (string, error)

func (f BackendFunc) Lookup(ctx context.Context, addr netip.Addr) (string, error) {
	return f(ctx, addr)
}

// ReverseDNS resolves PTR records through the system resolver, which also
// covers mDNS on hosts configured for it.
type ReverseDNS struct {
	Resolver *net.Resolver
}

func (r ReverseDNS) Lookup(ctx context.Context, addr netip.Addr) (string, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	names, err := res.LookupAddr(ctx, addr.String())
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", fmt.Errorf("reverse lookup %s: %w", addr, ErrNotFound)
		}
		return "", fmt.Errorf("reverse lookup %s: %w", addr, err)
	}
	for _, n := range names {
		if n = strings.TrimSuffix(n, "."); n != "" {
			return n, nil
		}
	}
	return "", fmt.Errorf("reverse lookup %s: %w", addr, ErrNotFound)
}

// CommandRunner runs an external command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

var nbtNamePattern = regexp.MustCompile(`\n(.+?)<`)

// NBTScan asks the NetBIOS name service of a peer through the nbtscan tool.
type NBTScan struct {
	name string
	args []string
	run  CommandRunner
}

// NewNBTScan parses command (e.g. "nbtscan -t 2") into an NBTScan backend.
// The address is appended as the last argument. A nil runner executes the
// command as a subprocess.
func NewNBTScan(command string, run CommandRunner) (*NBTScan, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("invalid nbtscan command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty nbtscan command")
	}
	if run == nil {
		run = execRunner
	}
	return &NBTScan{name: argv[0], args: argv[1:], run: run}, nil
}

func (n *NBTScan) Lookup(ctx context.Context, addr netip.Addr) (string, error) {
	args := append(append([]string{}, n.args...), addr.String())
	out, err := n.run(ctx, n.name, args...)
	if err != nil {
		return "", fmt.Errorf("nbtscan %s: %w", addr, err)
	}
	m := nbtNamePattern.FindSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("nbtscan %s: %w", addr, ErrNotFound)
	}
	// The table row starts with the queried address followed by the name.
	fields := strings.Fields(string(m[1]))
	if len(fields) > 1 && fields[0] == addr.String() {
		fields = fields[1:]
	}
	name := strings.Join(fields, " ")
	if name == "" {
		return "", fmt.Errorf("nbtscan %s: %w", addr, ErrNotFound)
	}
	return name, nil
}

// Chain tries each backend in order and returns the first name found.
type Chain []Backend

func (c Chain) Lookup(ctx context.Context, addr netip.Addr) (string, error) {
	var errs []error
	for _, b := range c {
		name, err := b.Lookup(ctx, addr)
		if err == nil {
			return name, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", ErrNotFound
	}
	return "", errors.Join(errs...)
}
