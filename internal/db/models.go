package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Activity is the phase of work a scan request belongs to.
type Activity string

const (
	ActivityDiscover Activity = "discover"
	ActivityVerify   Activity = "verify"
	ActivityScan     Activity = "scan"
)

// Activities lists every activity in a stable order.
var Activities = []Activity{ActivityDiscover, ActivityVerify, ActivityScan}

// Valid reports whether a is a known activity.
func (a Activity) Valid() bool {
	switch a {
	case ActivityDiscover, ActivityVerify, ActivityScan:
		return true
	}
	return false
}

// RequestState is the lifecycle state of a scan request.
type RequestState string

const (
	StateRequested RequestState = "requested"
	StatePickedUp  RequestState = "picked_up"
	StateFinished  RequestState = "finished"
	StateError     RequestState = "error"
	StateTimeout   RequestState = "timeout"
)

// RequestStates lists every state in lifecycle order.
var RequestStates = []RequestState{StateRequested, StatePickedUp, StateFinished, StateError, StateTimeout}

// Terminal reports whether the state is never left again.
func (s RequestState) Terminal() bool {
	return s == StateFinished || s == StateError || s == StateTimeout
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append(JSONB(nil), v...)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// String returns the JSON string.
func (j JSONB) String() string {
	return string(j)
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = append(JSONB(nil), data...)
	return nil
}

// ScanRequest is one unit of scheduled work.
type ScanRequest struct {
	ID                int64        `db:"id" json:"id"`
	Activity          Activity     `db:"activity" json:"activity"`
	Scanner           string       `db:"scanner" json:"scanner"`
	Target            string       `db:"target" json:"target"`
	State             RequestState `db:"state" json:"state"`
	RequestedAt       time.Time    `db:"requested_at" json:"requested_at"`
	LastStateChangeAt time.Time    `db:"last_state_change_at" json:"last_state_change_at"`
	FinishedAt        *time.Time   `db:"finished_at" json:"finished_at,omitempty"`
	ErrorReason       *string      `db:"error_reason" json:"error_reason,omitempty"`
}

// ProgressRow is one (scanner, activity, state) bucket of the ledger.
type ProgressRow struct {
	Scanner  string       `db:"scanner" json:"scanner"`
	Activity Activity     `db:"activity" json:"activity"`
	State    RequestState `db:"state" json:"state"`
	Count    int          `db:"count" json:"count"`
}

// FillProgress returns counted rows completed with zero rows for every
// combination of known scanner, activity and state missing from counted.
// The result is sorted by scanner, activity and state order.
func FillProgress(counted []ProgressRow, knownScanners []string) []ProgressRow {
	type key struct {
		scanner  string
		activity Activity
		state    RequestState
	}

	counts := make(map[key]int, len(counted))
	scanners := make(map[string]bool, len(knownScanners))
	for _, s := range knownScanners {
		scanners[s] = true
	}
	for _, row := range counted {
		counts[key{row.Scanner, row.Activity, row.State}] += row.Count
		scanners[row.Scanner] = true
	}

	names := make([]string, 0, len(scanners))
	for s := range scanners {
		names = append(names, s)
	}
	sort.Strings(names)

	rows := make([]ProgressRow, 0, len(names)*len(Activities)*len(RequestStates))
	for _, s := range names {
		for _, a := range Activities {
			for _, st := range RequestStates {
				rows = append(rows, ProgressRow{
					Scanner:  s,
					Activity: a,
					State:    st,
					Count:    counts[key{s, a, st}],
				})
			}
		}
	}
	return rows
}

// Capacity is the external API quota as last observed through a proxy.
type Capacity struct {
	Current    int `json:"current"`
	Max        int `json:"max"`
	ThisClient int `json:"this_client"`
}

// Proxy is a leasable egress resource.
type Proxy struct {
	ID                   int64      `db:"id" json:"id"`
	Address              string     `db:"address" json:"address"`
	Protocol             string     `db:"protocol" json:"protocol"`
	IsDead               bool       `db:"is_dead" json:"is_dead"`
	IsDeadSince          *time.Time `db:"is_dead_since" json:"is_dead_since,omitempty"`
	IsDeadReason         string     `db:"is_dead_reason" json:"is_dead_reason,omitempty"`
	ManuallyDisabled     bool       `db:"manually_disabled" json:"manually_disabled"`
	CurrentlyClaimed     bool       `db:"currently_claimed" json:"currently_claimed"`
	LastClaimAt          *time.Time `db:"last_claim_at" json:"last_claim_at,omitempty"`
	ClaimedBy            string     `db:"claimed_by" json:"claimed_by,omitempty"`
	RequestSpeedMS       *int       `db:"request_speed_ms" json:"request_speed_ms,omitempty"`
	CapacityCurrent      int        `db:"capacity_current" json:"capacity_current"`
	CapacityMax          int        `db:"capacity_max" json:"capacity_max"`
	CapacityThisClient   int        `db:"capacity_this_client" json:"capacity_this_client"`
	OutOfResourceCounter int        `db:"out_of_resource_counter" json:"out_of_resource_counter"`
	CheckResult          string     `db:"check_result" json:"check_result,omitempty"`
	LastCheckAt          *time.Time `db:"last_check_at" json:"last_check_at,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
}

// Capacity returns the last stored capacity reading.
func (p *Proxy) Capacity() Capacity {
	return Capacity{Current: p.CapacityCurrent, Max: p.CapacityMax, ThisClient: p.CapacityThisClient}
}

// Eligible reports whether the proxy may be claimed.
func (p *Proxy) Eligible() bool {
	return !p.IsDead && !p.ManuallyDisabled && !p.CurrentlyClaimed
}

// ProxyHealth is the outcome of a successful proxy check.
type ProxyHealth struct {
	CheckResult    string
	Capacity       Capacity
	RequestSpeedMS int
	CheckedAt      time.Time
}

// ScanResult is one (target, scan_type) fact with history.
type ScanResult struct {
	ID             int64     `db:"id" json:"id"`
	Target         string    `db:"target" json:"target"`
	ScanType       string    `db:"scan_type" json:"scan_type"`
	Rating         string    `db:"rating" json:"rating"`
	Message        string    `db:"message" json:"message"`
	Evidence       JSONB     `db:"evidence" json:"evidence,omitempty"`
	LastScanMoment time.Time `db:"last_scan_moment" json:"last_scan_moment"`
	DeterminedOn   time.Time `db:"determined_on" json:"determined_on"`
	IsLatest       bool      `db:"is_latest" json:"is_latest"`
}

// Finding is a scan outcome ready to be stored.
type Finding struct {
	Target   string `json:"target"`
	ScanType string `json:"scan_type"`
	Rating   string `json:"rating"`
	Message  string `json:"message"`
	Evidence JSONB  `json:"evidence,omitempty"`
}

// StoreOutcome tells what Store did with a finding.
type StoreOutcome string

const (
	// OutcomeInserted means no latest row existed yet.
	OutcomeInserted StoreOutcome = "inserted"
	// OutcomeChanged means a new latest row replaced the previous one.
	OutcomeChanged StoreOutcome = "changed"
	// OutcomeUnchanged means only last_scan_moment was touched.
	OutcomeUnchanged StoreOutcome = "unchanged"
)

// ResultFilter narrows latest-result listings.
type ResultFilter struct {
	Target   string
	ScanType string
	Limit    int
}
