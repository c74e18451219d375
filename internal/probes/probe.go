// Package probes holds the local scanners. A probe answers one or more
// activities for a single target and returns findings for the result store.
package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
)

// Probe is a local scanner.
type Probe interface {
	// Name is the scanner name used in the queue.
	Name() string
	// Activities lists the activities the probe answers.
	Activities() []db.Activity
	// Run scans target. A returned error marks the request as error.
	Run(ctx context.Context, activity db.Activity, target string) ([]db.Finding, error)
}

// Common ratings.
const (
	RatingPresent = "present"
	RatingAbsent  = "absent"
	RatingInvalid = "invalid"
)

// Supports reports whether p answers activity.
func Supports(p Probe, activity db.Activity) bool {
	for _, a := range p.Activities() {
		if a == activity {
			return true
		}
	}
	return false
}

// Registry maps scanner names to probes.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewRegistry creates a registry holding probes. Later duplicates win.
func NewRegistry(probes ...Probe) *Registry {
	r := &Registry{probes: make(map[string]Probe, len(probes))}
	for _, p := range probes {
		r.probes[p.Name()] = p
	}
	return r
}

// Builtin returns a registry with the dns, ftp and http_headers probes.
func Builtin(cfg config.ProbesConfig) (*Registry, error) {
	resolver := cfg.Resolver
	if resolver == "" {
		var err error
		if resolver, err = SystemResolver(); err != nil {
			return nil, err
		}
	}
	return NewRegistry(
		NewDNSProbe(resolver, cfg.Timeout),
		NewFTPProbe(cfg.FTPPort, cfg.Timeout),
		NewHTTPHeadersProbe(cfg.Timeout, cfg.UserAgent),
	), nil
}

// Register adds p. It fails when the name is taken.
func (r *Registry) Register(p Probe) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.probes[p.Name()]; ok {
		return errors.NewScanError(errors.CodeConflict, fmt.Sprintf("probe %s already registered", p.Name()))
	}
	r.probes[p.Name()] = p
	return nil
}

// Get returns the probe for scanner.
func (r *Registry) Get(scanner string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[scanner]
	return p, ok
}

// Names lists registered probes in name order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run looks up scanner and runs it for one target.
func (r *Registry) Run(ctx context.Context, scanner string, activity db.Activity, target string) ([]db.Finding, error) {
	p, ok := r.Get(scanner)
	if !ok {
		return nil, errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("no local probe named %s", scanner))
	}
	if !Supports(p, activity) {
		return nil, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("probe %s does not support activity %s", scanner, activity))
	}
	if target == "" {
		return nil, errors.NewScanError(errors.CodeTargetInvalid, "empty target")
	}
	return p.Run(ctx, activity, target)
}

func evidence(v any) db.JSONB {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return db.JSONB(data)
}
