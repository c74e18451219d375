package probes

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
)

// Scan types written by the dns probe.
const (
	ScanTypeResolves = "dns_resolves"
	ScanTypeCAA      = "dns_caa"
	ScanTypeDNSSEC   = "dns_dnssec"
)

// DNS ratings.
const (
	RatingResolves     = "resolves"
	RatingUnresolvable = "unresolvable"
	RatingSigned       = "signed"
	RatingUnsigned     = "unsigned"
)

const resolvConf = "/etc/resolv.conf"

// SystemResolver returns the first nameserver of /etc/resolv.conf.
func SystemResolver() (string, error) {
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return "", errors.WrapConfigError(errors.CodeConfiguration, "read resolver configuration", err)
	}
	if len(cc.Servers) == 0 {
		return "", errors.ErrConfigMissing("probes.resolver")
	}
	return net.JoinHostPort(cc.Servers[0], cc.Port), nil
}

// DNSProbe queries a recursive resolver. verify checks that the target has
// addresses; scan records CAA policy and whether answers are validated.
type DNSProbe struct {
	server string
	udp    *dns.Client
	tcp    *dns.Client
}

// NewDNSProbe creates a probe asking server. A server without a port uses 53.
func NewDNSProbe(server string, timeout time.Duration) *DNSProbe {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSProbe{
		server: server,
		udp:    &dns.Client{Net: "udp", Timeout: timeout},
		tcp:    &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

func (p *DNSProbe) Name() string { return "dns" }

func (p *DNSProbe) Activities() []db.Activity {
	return []db.Activity{db.ActivityVerify, db.ActivityScan}
}

func (p *DNSProbe) Run(ctx context.Context, activity db.Activity, target string) ([]db.Finding, error) {
	host := strings.TrimSuffix(strings.ToLower(target), ".")
	if _, ok := dns.IsDomainName(host); !ok || host == "" {
		return nil, errors.WrapScanErrorWithTarget(errors.CodeTargetInvalid, "not a domain name", target, nil)
	}

	if activity == db.ActivityVerify {
		return p.verify(ctx, target, host)
	}

	caa, err := p.caa(ctx, target, host)
	if err != nil {
		return nil, err
	}
	dnssec, err := p.dnssec(ctx, target, host)
	if err != nil {
		return nil, err
	}
	return []db.Finding{caa, dnssec}, nil
}

// query sends one question with the DO bit set. Truncated answers are
// repeated over TCP. NXDOMAIN is an answer, other failure rcodes are errors.
func (p *DNSProbe) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.SetEdns0(4096, true)

	op := "dns " + dns.TypeToString[qtype]
	r, _, err := p.udp.ExchangeContext(ctx, m, p.server)
	if err == nil && r.Truncated {
		r, _, err = p.tcp.ExchangeContext(ctx, m, p.server)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.ErrNetwork(name, op, err)
	}

	switch r.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return r, nil
	default:
		return nil, errors.WrapScanErrorWithTarget(errors.CodeScanFailed,
			fmt.Sprintf("%s answered %s", op, dns.RcodeToString[r.Rcode]), name, nil)
	}
}

func (p *DNSProbe) verify(ctx context.Context, target, host string) ([]db.Finding, error) {
	addrs := []string{}
	nxdomain := false
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		r, err := p.query(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		if r.Rcode == dns.RcodeNameError {
			nxdomain = true
			break
		}
		for _, rr := range r.Answer {
			switch v := rr.(type) {
			case *dns.A:
				addrs = append(addrs, v.A.String())
			case *dns.AAAA:
				addrs = append(addrs, v.AAAA.String())
			}
		}
	}

	f := db.Finding{
		Target:   target,
		ScanType: ScanTypeResolves,
		Rating:   RatingResolves,
		Message:  fmt.Sprintf("%d address(es)", len(addrs)),
		Evidence: evidence(map[string]any{"addresses": addrs}),
	}
	switch {
	case nxdomain:
		f.Rating, f.Message = RatingUnresolvable, "NXDOMAIN"
	case len(addrs) == 0:
		f.Rating, f.Message = RatingUnresolvable, "no A or AAAA records"
	}
	return []db.Finding{f}, nil
}

// caa looks up the CAA record set, climbing towards the parent domain until
// one is found. The top-level domain is not consulted.
func (p *DNSProbe) caa(ctx context.Context, target, host string) (db.Finding, error) {
	f := db.Finding{Target: target, ScanType: ScanTypeCAA, Rating: RatingAbsent, Message: "no CAA records"}

	for name := host; strings.Contains(name, "."); name = name[strings.Index(name, ".")+1:] {
		r, err := p.query(ctx, name, dns.TypeCAA)
		if err != nil {
			return f, err
		}
		if r.Rcode == dns.RcodeNameError && name == host {
			f.Message = "NXDOMAIN"
			break
		}

		var records []string
		for _, rr := range r.Answer {
			if c, ok := rr.(*dns.CAA); ok {
				records = append(records, fmt.Sprintf("%d %s %q", c.Flag, c.Tag, c.Value))
			}
		}
		if len(records) > 0 {
			f.Rating = RatingPresent
			f.Message = fmt.Sprintf("%d CAA record(s) at %s", len(records), name)
			f.Evidence = evidence(map[string]any{"domain": name, "records": records})
			return f, nil
		}
	}

	f.Evidence = evidence(map[string]any{"domain": host, "records": []string{}})
	return f, nil
}

func (p *DNSProbe) dnssec(ctx context.Context, target, host string) (db.Finding, error) {
	r, err := p.query(ctx, host, dns.TypeA)
	if err != nil {
		return db.Finding{}, err
	}
	f := db.Finding{
		Target:   target,
		ScanType: ScanTypeDNSSEC,
		Rating:   RatingUnsigned,
		Message:  "answer not validated by resolver",
		Evidence: evidence(map[string]any{"ad": r.AuthenticatedData, "rcode": dns.RcodeToString[r.Rcode]}),
	}
	if r.AuthenticatedData {
		f.Rating, f.Message = RatingSigned, "answer validated by resolver"
	}
	return f, nil
}
