// Package osprobe answers two questions about the host OS: is a PID alive,
// and which TCP ports are currently being listened on. Both answers come from
// external tools (signal 0, lsof/netstat) with hard timeouts, so callers can
// treat the probe as a bounded-latency oracle. Listener enumeration is cached
// for a short window to keep the port-claim path fast; on spawn failure the
// last snapshot is served even when expired rather than failing open.
package osprobe

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// aliveTimeout bounds the PID liveness check.
	aliveTimeout = 1 * time.Second
	// enumTimeout bounds the listener enumeration subprocess.
	enumTimeout = 5 * time.Second
	// enumOutputCap bounds how much subprocess output is read.
	enumOutputCap = 1 << 20 // 1 MB
	// cacheTTL is how long an enumeration snapshot stays fresh.
	cacheTTL = 10 * time.Second
)

// Listener is one TCP listening socket as reported by the OS.
type Listener struct {
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	Command string `json:"command"`
	User    string `json:"user"`
}

// Prober is the OS-facing interface the registry and reaper depend on.
// Implementations must be safe for concurrent use.
type Prober interface {
	// Alive reports whether pid refers to a running process. Any failure to
	// determine liveness within the timeout is reported as not alive.
	Alive(ctx context.Context, pid int) bool
	// Listeners returns the current set of TCP listeners, sorted by port and
	// deduplicated. The result may be up to the cache TTL stale.
	Listeners(ctx context.Context) []Listener
	// Refresh discards the cache so the next Listeners call re-enumerates.
	Refresh()
}

// Probe is the real Prober backed by signal 0 and lsof (netstat on Windows).
type Probe struct {
	log *zap.Logger

	mu        sync.Mutex
	cached    []Listener
	fetchedAt time.Time
}

// New returns a Probe with an empty cache.
func New(log *zap.Logger) *Probe {
	return &Probe{log: log.Named("osprobe")}
}

// Alive reports whether pid is a running process. pid <= 0 is never alive.
// On Unix this is signal 0; EPERM counts as alive (the process exists but is
// owned by someone else). On Windows it shells out to tasklist.
func (p *Probe) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "windows" {
		return p.aliveWindows(ctx, pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

func (p *Probe) aliveWindows(ctx context.Context, pid int) bool {
	ctx, cancel := context.WithTimeout(ctx, aliveTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH", "/FO", "CSV").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), `"`+strconv.Itoa(pid)+`"`)
}

// Listeners returns the cached snapshot when fresh, otherwise re-enumerates.
// Only one goroutine refreshes at a time; the rest serve the old snapshot.
func (p *Probe) Listeners(ctx context.Context) []Listener {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.fetchedAt) < cacheTTL && p.cached != nil {
		return p.cached
	}

	listeners, err := p.enumerate(ctx)
	if err != nil {
		p.log.Warn("listener enumeration failed, serving stale cache", zap.Error(err))
		return p.cached
	}
	p.cached = listeners
	p.fetchedAt = time.Now()
	return listeners
}

// Refresh discards the cached snapshot.
func (p *Probe) Refresh() {
	p.mu.Lock()
	p.fetchedAt = time.Time{}
	p.mu.Unlock()
}

func (p *Probe) enumerate(ctx context.Context) ([]Listener, error) {
	ctx, cancel := context.WithTimeout(ctx, enumTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "netstat", "-ano", "-p", "TCP")
	} else {
		cmd = exec.CommandContext(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(io.LimitReader(stdout, enumOutputCap))
	waitErr := cmd.Wait()
	if readErr != nil {
		return nil, readErr
	}
	// lsof exits 1 when some files could not be inspected but still prints
	// usable output; only fail when there is nothing to parse.
	if waitErr != nil && len(raw) == 0 {
		return nil, waitErr
	}

	var listeners []Listener
	if runtime.GOOS == "windows" {
		listeners = parseNetstat(string(raw))
	} else {
		listeners = parseLsof(string(raw))
	}
	return dedupeSort(listeners), nil
}

// parseLsof parses `lsof -nP -iTCP -sTCP:LISTEN` output:
//
//	COMMAND  PID USER   FD TYPE DEVICE SIZE/OFF NODE NAME
//	node    1234 dev    23u IPv4 ...         0t0 TCP  127.0.0.1:3100 (LISTEN)
func parseLsof(out string) []Listener {
	var listeners []Listener
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 9 || fields[0] == "COMMAND" {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		port, ok := portFromAddr(fields[8])
		if !ok {
			continue
		}
		listeners = append(listeners, Listener{
			Port:    port,
			PID:     pid,
			Command: fields[0],
			User:    fields[2],
		})
	}
	return listeners
}

// parseNetstat parses `netstat -ano -p TCP` output:
//
//	TCP    0.0.0.0:3100    0.0.0.0:0    LISTENING    1234
func parseNetstat(out string) []Listener {
	var listeners []Listener
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "TCP" || fields[3] != "LISTENING" {
			continue
		}
		port, ok := portFromAddr(fields[1])
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		listeners = append(listeners, Listener{Port: port, PID: pid})
	}
	return listeners
}

// portFromAddr extracts the port from "host:port" style addresses, including
// "*:3100" and bracketed IPv6 forms.
func portFromAddr(addr string) (int, bool) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 || i == len(addr)-1 {
		return 0, false
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// dedupeSort sorts by port and keeps the first entry per port.
func dedupeSort(in []Listener) []Listener {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Port != in[j].Port {
			return in[i].Port < in[j].Port
		}
		return in[i].PID < in[j].PID
	})
	out := in[:0]
	lastPort := -1
	for _, l := range in {
		if l.Port == lastPort {
			continue
		}
		out = append(out, l)
		lastPort = l.Port
	}
	return out
}

// PortSet flattens a listener list into a port lookup map.
func PortSet(listeners []Listener) map[int]bool {
	m := make(map[int]bool, len(listeners))
	for _, l := range listeners {
		m[l.Port] = true
	}
	return m
}
