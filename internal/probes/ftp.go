package probes

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"syscall"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
)

// ScanTypeFTPAuthTLS is written by the ftp probe.
const ScanTypeFTPAuthTLS = "ftp_auth_tls"

// FTP ratings.
const (
	RatingSupported    = "supported"
	RatingNotSupported = "not_supported"
	RatingNoService    = "no_service"
)

// Replies meaning the server does not offer AUTH TLS.
var authRejected = map[int]bool{
	431: true,
	500: true,
	502: true,
	504: true,
	530: true,
	534: true,
}

// FTPProbe connects to the FTP port of a target and asks for AUTH TLS.
type FTPProbe struct {
	port    int
	timeout time.Duration
}

// NewFTPProbe creates a probe for port. The whole exchange is bounded by timeout.
func NewFTPProbe(port int, timeout time.Duration) *FTPProbe {
	if port <= 0 {
		port = 21
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FTPProbe{port: port, timeout: timeout}
}

func (p *FTPProbe) Name() string { return "ftp" }

func (p *FTPProbe) Activities() []db.Activity {
	return []db.Activity{db.ActivityScan}
}

func (p *FTPProbe) Run(ctx context.Context, _ db.Activity, target string) ([]db.Finding, error) {
	addr := target
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
		addr = net.JoinHostPort(target, strconv.Itoa(p.port))
	}

	f := db.Finding{Target: target, ScanType: ScanTypeFTPAuthTLS}

	dialer := &net.Dialer{Timeout: p.timeout}
	dial := func(network, address string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		// Bounds the greeting, AUTH exchange and QUIT.
		_ = conn.SetDeadline(time.Now().Add(p.timeout))
		return conn, nil
	}

	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithDialFunc(dial),
		ftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, //nolint:gosec // only the AUTH TLS offer is recorded
		}),
	)
	if err == nil {
		_ = conn.Quit()
		f.Rating = RatingSupported
		f.Message = "server accepted AUTH TLS"
		f.Evidence = evidence(map[string]any{"address": addr, "reply": ftp.StatusAuthOK})
		return []db.Finding{f}, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var reply *textproto.Error
	switch {
	case stderrors.As(err, &reply) && authRejected[reply.Code]:
		f.Rating = RatingNotSupported
		f.Message = fmt.Sprintf("server rejected AUTH TLS: %d %s", reply.Code, reply.Msg)
		f.Evidence = evidence(map[string]any{"address": addr, "reply": reply.Code})
	case stderrors.Is(err, syscall.ECONNREFUSED):
		f.Rating = RatingNoService
		f.Message = "connection refused"
		f.Evidence = evidence(map[string]any{"address": addr})
	default:
		return nil, errors.ErrNetwork(target, "ftp auth tls", err)
	}
	return []db.Finding{f}, nil
}
