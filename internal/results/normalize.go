// Package results turns raw scan outcomes into findings for the result
// store. External TLS assessments become one encryption-quality finding
// and one certificate-trust finding per host, where the worst endpoint wins.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
	"github.com/anstrom/scanledger/internal/extapi"
	"github.com/anstrom/scanledger/internal/metrics"
)

// Scan types written for external TLS assessments.
const (
	ScanTypeEncryptionQuality  = "tls_encryption_quality"
	ScanTypeCertificateTrusted = "tls_certificate_trusted"
)

// Ratings.
const (
	RatingScanError  = "scan_error"
	RatingTrusted    = "trusted"
	RatingNotTrusted = "not_trusted"
)

// gradeRank orders grades from best to worst. Unknown grades rank worst.
var gradeRank = map[string]int{
	"A+": 0, "A": 1, "A-": 2, "B": 3, "C": 4, "D": 5, "E": 6, "F": 7, "T": 8, "M": 9,
}

func rank(grade string) int {
	if r, ok := gradeRank[grade]; ok {
		return r
	}
	return len(gradeRank)
}

// WorstGrade returns the worst of grades, ignoring empty ones.
func WorstGrade(grades ...string) string {
	worst := ""
	for _, g := range grades {
		if g == "" {
			continue
		}
		if worst == "" || rank(g) > rank(worst) {
			worst = g
		}
	}
	return worst
}

// Normalize converts a terminal assessment into findings. Failed
// assessments become scan_error findings carrying the status message.
func Normalize(target string, a *extapi.Assessment) ([]db.Finding, error) {
	if a == nil || !a.Status.Terminal() {
		return nil, errors.ErrMalformedResponse(target, "assessment is not finished", nil)
	}

	evidence, err := json.Marshal(a.Endpoints)
	if err != nil {
		return nil, errors.ErrMalformedResponse(target, "unencodable endpoints", err)
	}

	if a.Status == extapi.StatusError {
		msg := a.StatusMessage
		if msg == "" {
			msg = "assessment failed"
		}
		return scanErrors(target, msg, evidence), nil
	}

	if len(a.Endpoints) == 0 {
		return nil, errors.ErrMalformedResponse(target, "ready assessment without endpoints", nil)
	}

	var (
		qualityGrades []string
		trustGrades   []string
		failures      []string
		untrusted     []string
	)
	for _, ep := range a.Endpoints {
		if ep.Grade == "" && ep.GradeTrustIgnored == "" {
			failures = append(failures, fmt.Sprintf("%s: %s", ep.IPAddress, ep.StatusMessage))
			continue
		}
		qualityGrades = append(qualityGrades, ep.GradeTrustIgnored)
		trustGrades = append(trustGrades, ep.Grade)
		if ep.Grade == "T" || ep.Grade == "M" {
			untrusted = append(untrusted, ep.IPAddress)
		}
	}

	if len(qualityGrades) == 0 {
		return scanErrors(target, strings.Join(failures, "; "), evidence), nil
	}

	quality := WorstGrade(qualityGrades...)
	if quality == "" {
		// Some endpoints only report the trust-aware grade.
		quality = WorstGrade(trustGrades...)
	}
	qualityMsg := fmt.Sprintf("worst grade %s across %d endpoint(s)", quality, len(qualityGrades))
	if len(failures) > 0 {
		qualityMsg += fmt.Sprintf(", %d unreachable", len(failures))
	}

	trust := db.Finding{
		Target:   target,
		ScanType: ScanTypeCertificateTrusted,
		Rating:   RatingTrusted,
		Message:  "certificate trusted on every endpoint",
		Evidence: evidence,
	}
	if len(untrusted) > 0 {
		trust.Rating = RatingNotTrusted
		trust.Message = "certificate not trusted on " + strings.Join(untrusted, ", ")
	}

	return []db.Finding{
		{
			Target:   target,
			ScanType: ScanTypeEncryptionQuality,
			Rating:   quality,
			Message:  qualityMsg,
			Evidence: evidence,
		},
		trust,
	}, nil
}

func scanErrors(target, message string, evidence db.JSONB) []db.Finding {
	return []db.Finding{
		{Target: target, ScanType: ScanTypeEncryptionQuality, Rating: RatingScanError, Message: message, Evidence: evidence},
		{Target: target, ScanType: ScanTypeCertificateTrusted, Rating: RatingScanError, Message: message, Evidence: evidence},
	}
}

// Store persists findings. Implemented by db.ResultRepository.
type Store interface {
	Store(ctx context.Context, f db.Finding) (db.StoreOutcome, error)
}

var _ Store = (*db.ResultRepository)(nil)

// Save stores every finding and counts the outcomes. It stops at the first error.
func Save(ctx context.Context, store Store, rec metrics.Recorder, findings []db.Finding) error {
	rec = metrics.OrNop(rec)
	for _, f := range findings {
		outcome, err := store.Store(ctx, f)
		if err != nil {
			return fmt.Errorf("store %s result for %s: %w", f.ScanType, f.Target, err)
		}
		rec.IncResultStored(f.ScanType, string(outcome))
	}
	return nil
}
