// Package testcase drives a single fuzzing iteration over the wire: it
// opens a connection to the target, plays the pre-phase transition
// payloads, sends the fuzzed individual, plays the post-phase payloads, and
// reports whatever coverage delta resulted.
package testcase

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mozzbozz/epf/pkg/epferr"
	"github.com/mozzbozz/epf/pkg/genome"
	"github.com/mozzbozz/epf/pkg/transition"
)

// Proto names the transport a TestCase should speak.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
	ProtoTCPTLS
)

// Config parameterizes how a TestCase connects to and talks to the target.
type Config struct {
	Proto       Proto
	Addr        string
	DialTimeout time.Duration

	// SendTimeout and RecvTimeout are applied independently to each write
	// and each read, matching the source's separately configurable send
	// and recv timeouts.
	SendTimeout time.Duration
	RecvTimeout time.Duration
	TLSConfig   *tls.Config

	// SettleDelay is slept after the post-phase completes and before the
	// connection is closed, giving the target time to process the last
	// write before the socket goes away.
	SettleDelay time.Duration
}

// DefaultSettleDelay matches the Python source's fixed 10ms post-run sleep.
const DefaultSettleDelay = 10 * time.Millisecond

// TestCase drives one fuzzing iteration's network conversation.
type TestCase struct {
	cfg   Config
	graph *transition.Graph

	mu         sync.Mutex
	snapshotFn func() int
}

// New returns a TestCase that plays graph's pre/post phases around whatever
// individual Run is given. snapshotCoverage is called once after the
// fuzzed payload's exchange completes to obtain the coverage delta;
// typically this wraps covshm.Map.DirectedBranchCoverage.
func New(cfg Config, graph *transition.Graph, snapshotCoverage func() int) *TestCase {
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	return &TestCase{cfg: cfg, graph: graph, snapshotFn: snapshotCoverage}
}

// Result is what Run reports about one iteration.
type Result struct {
	CoverageDelta int
}

// Run opens a connection, plays the pre-phase, transmits the fuzzed
// individual, plays the post-phase (whose errors are relaxed, i.e.
// swallowed, since by design many targets don't respond to the wind-down
// sequence), and returns the coverage delta observed for the fuzzed
// payload's exchange.
func (tc *TestCase) Run(ctx context.Context, ind *genome.Individual) (Result, error) {
	conn, err := tc.dial(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", epferr.ErrTargetConnectionFailed, err)
	}
	defer conn.Close()

	pre, err := tc.graph.TraversePre()
	if err != nil {
		return Result{}, err
	}
	for _, p := range pre {
		if _, err := tc.transmit(conn, p.Data, p.RecvAfterSend, false); err != nil {
			return Result{}, fmt.Errorf("pre-phase %q: %w", p.Name, err)
		}
	}

	if _, err := tc.transmit(conn, ind.Serialize(), true, false); err != nil {
		return Result{}, fmt.Errorf("%w: %v", epferr.ErrTestCaseAborted, err)
	}
	delta := 0
	if tc.snapshotFn != nil {
		delta = tc.snapshotFn()
	}

	post, err := tc.graph.TraversePost()
	if err != nil {
		return Result{}, err
	}
	for _, p := range post {
		// relax=true: post-phase failures are expected for targets that
		// don't reply to wind-down messages and must not abort the run.
		tc.transmit(conn, p.Data, p.RecvAfterSend, true)
	}

	time.Sleep(tc.cfg.SettleDelay)
	return Result{CoverageDelta: delta}, nil
}

func (tc *TestCase) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: tc.cfg.DialTimeout}
	switch tc.cfg.Proto {
	case ProtoUDP:
		return dialer.DialContext(ctx, "udp", tc.cfg.Addr)
	case ProtoTCPTLS:
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tc.cfg.TLSConfig}
		return tlsDialer.DialContext(ctx, "tcp", tc.cfg.Addr)
	default:
		return dialer.DialContext(ctx, "tcp", tc.cfg.Addr)
	}
}

// transmit sends data and optionally waits for a response. An empty read is
// treated as a timeout, matching the Python source's semantics where a
// zero-length recv means the deadline elapsed rather than the peer closing
// cleanly (TCP) -- for UDP a genuinely empty datagram is indistinguishable
// from "nothing arrived" at this layer, which the protocol modules are
// expected to account for.
func (tc *TestCase) transmit(conn net.Conn, data []byte, receive, relax bool) ([]byte, error) {
	if len(data) > 0 {
		if tc.cfg.SendTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(tc.cfg.SendTimeout))
		}
		if _, err := conn.Write(data); err != nil {
			if relax {
				return nil, nil
			}
			return nil, classifyWriteErr(err)
		}
	}
	if !receive {
		return nil, nil
	}

	if tc.cfg.RecvTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(tc.cfg.RecvTimeout))
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if relax {
			return nil, nil
		}
		return nil, classifyReadErr(err)
	}
	if n == 0 {
		if relax {
			return nil, nil
		}
		return nil, epferr.ErrRecvTimeout
	}
	return buf[:n], nil
}

func classifyWriteErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return epferr.ErrRecvTimeout
	}
	return fmt.Errorf("%w: %v", epferr.ErrConnectionReset, err)
}

func classifyReadErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return epferr.ErrRecvTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", epferr.ErrConnectionReset, err)
	}
	return fmt.Errorf("%w: %v", epferr.ErrConnectionReset, err)
}
