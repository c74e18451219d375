package extapi

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle status of an external assessment.
type Status string

const (
	StatusDNS        Status = "DNS"
	StatusInProgress Status = "IN_PROGRESS"
	StatusRunning    Status = "RUNNING"
	StatusReady      Status = "READY"
	StatusError      Status = "ERROR"
)

// Terminal reports whether polling can stop.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// Pending reports whether the assessment is still running.
func (s Status) Pending() bool {
	return s == StatusDNS || s == StatusInProgress || s == StatusRunning
}

// Capacity holds the quota headers returned on every call.
type Capacity struct {
	Current   int  `json:"current"`
	Max       int  `json:"max"`
	ClientMax int  `json:"client_max"`
	Known     bool `json:"known"`
}

// Endpoint is one IP address assessed for a host.
type Endpoint struct {
	IPAddress         string `json:"ipAddress"`
	ServerName        string `json:"serverName,omitempty"`
	StatusMessage     string `json:"statusMessage"`
	Grade             string `json:"grade,omitempty"`
	GradeTrustIgnored string `json:"gradeTrustIgnored,omitempty"`
	HasWarnings       bool   `json:"hasWarnings,omitempty"`
	IsExceptional     bool   `json:"isExceptional,omitempty"`
	Progress          int    `json:"progress,omitempty"`
}

// Assessment is the analyze endpoint payload.
type Assessment struct {
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Protocol      string     `json:"protocol"`
	Status        Status     `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	StartTime     int64      `json:"startTime,omitempty"`
	TestTime      int64      `json:"testTime,omitempty"`
	Endpoints     []Endpoint `json:"endpoints,omitempty"`

	// Raw is the undecoded response body.
	Raw json.RawMessage `json:"-"`
}

// Info is the info endpoint payload.
type Info struct {
	EngineVersion        string   `json:"engineVersion"`
	CriteriaVersion      string   `json:"criteriaVersion"`
	MaxAssessments       int      `json:"maxAssessments"`
	CurrentAssessments   int      `json:"currentAssessments"`
	NewAssessmentCoolOff int      `json:"newAssessmentCoolOff"`
	Messages             []string `json:"messages"`
}

type apiErrorPayload struct {
	Errors []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

// ErrorKind classifies an API-level error payload.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindAtCapacity means the service is globally full. Retry without extra backoff.
	KindAtCapacity
	// KindConcurrentLimit means this client has too many assessments running.
	KindConcurrentLimit
)

func (k ErrorKind) String() string {
	switch k {
	case KindAtCapacity:
		return "at_capacity"
	case KindConcurrentLimit:
		return "concurrent_limit"
	default:
		return "unknown"
	}
}

// APIError is an error payload or non-success status from the external API.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("external api error (%s, http %d)", e.Kind, e.StatusCode)
	if len(e.Messages) > 0 {
		msg += ": " + strings.Join(e.Messages, "; ")
	}
	return msg
}

// classify maps an HTTP status and error messages to an ErrorKind.
func classify(statusCode int, messages []string) ErrorKind {
	for _, m := range messages {
		lower := strings.ToLower(m)
		switch {
		case strings.Contains(lower, "running at full capacity"),
			strings.Contains(lower, "at capacity"):
			return KindAtCapacity
		case strings.Contains(lower, "concurrent assessment limit"),
			strings.Contains(lower, "too many concurrent assessments"):
			return KindConcurrentLimit
		}
	}

	switch statusCode {
	case 429:
		return KindConcurrentLimit
	case 503, 529:
		return KindAtCapacity
	}
	return KindUnknown
}
