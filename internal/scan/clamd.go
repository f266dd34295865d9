package scan

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// ClamdEngine talks the clamd INSTREAM protocol over TCP: a zero-terminated
// command, length-prefixed chunks, a zero-length chunk to finish, one reply
// line back.
type ClamdEngine struct {
	addr    string
	timeout time.Duration
}

var _ Engine = (*ClamdEngine)(nil)

func NewClamdEngine(addr string, timeout time.Duration) *ClamdEngine {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ClamdEngine{addr: addr, timeout: timeout}
}

const instreamChunkSize = 64 * 1024

func (e *ClamdEngine) Scan(ctx context.Context, r io.Reader) (Verdict, error) {
	dialer := net.Dialer{Timeout: e.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return Verdict{Status: StatusUnavailable, Reason: classifyNetError(err)}, nil
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(e.timeout))

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Verdict{Status: StatusUnavailable, Reason: classifyNetError(err)}, nil
	}

	buf := make([]byte, instreamChunkSize)
	prefix := make([]byte, 4)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix, uint32(n))
			if _, err := conn.Write(prefix); err != nil {
				return Verdict{Status: StatusUnavailable, Reason: classifyNetError(err)}, nil
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return Verdict{Status: StatusUnavailable, Reason: classifyNetError(err)}, nil
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Verdict{}, fmt.Errorf("clamd: reading artifact: %w", readErr)
		}
	}

	// Zero-length chunk terminates the stream.
	binary.BigEndian.PutUint32(prefix, 0)
	if _, err := conn.Write(prefix); err != nil {
		return Verdict{Status: StatusUnavailable, Reason: classifyNetError(err)}, nil
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return Verdict{Status: StatusUnavailable, Reason: classifyNetError(err)}, nil
	}

	return parseReply(reply), nil
}

// parseReply maps clamd reply lines to a structured verdict.
//
//	"stream: OK"                      -> clean
//	"stream: Eicar-Test-Signature FOUND" -> infected
//	"INSTREAM size limit exceeded. ERROR" -> unavailable/engine_error
func parseReply(reply string) Verdict {
	reply = strings.TrimSpace(strings.TrimSuffix(reply, "\x00"))

	switch {
	case strings.HasSuffix(reply, "OK"):
		return Verdict{Status: StatusClean}
	case strings.HasSuffix(reply, "FOUND"):
		sig := strings.TrimSuffix(reply, " FOUND")
		if idx := strings.Index(sig, ": "); idx != -1 {
			sig = sig[idx+2:]
		}
		return Verdict{Status: StatusInfected, Signature: sig}
	default:
		return Verdict{Status: StatusUnavailable, Reason: ReasonEngineError}
	}
}

func classifyNetError(err error) Reason {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return ReasonTimeout
	}
	if strings.Contains(err.Error(), "connection refused") {
		return ReasonConnectionRefused
	}
	return ReasonUnavailable
}
