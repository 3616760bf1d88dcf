package workflow

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// JobType is the category of a job.
type JobType string

const (
	JobTypeOther          JobType = "Other"
	JobTypePilot          JobType = "Pilot"
	JobTypeGeneration     JobType = "Generation"
	JobTypeDigitization   JobType = "Digitization"
	JobTypeReconstruction JobType = "Reconstruction"
	JobTypeData           JobType = "Data"
	JobTypeUser           JobType = "User"
)

// JobTypes lists every known job type.
var JobTypes = []JobType{
	JobTypeOther,
	JobTypePilot,
	JobTypeGeneration,
	JobTypeDigitization,
	JobTypeReconstruction,
	JobTypeData,
	JobTypeUser,
}

// ParseJobType validates a job type name. Empty input yields JobTypeOther.
func ParseJobType(s string) (JobType, error) {
	if s == "" {
		return JobTypeOther, nil
	}
	for _, t := range JobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedJobType, s)
}

// Site is an execution site.
type Site string

const (
	SiteLocal Site = "local"
	SiteCNAF  Site = "CNAF"
	SitePMO   Site = "PMO"
	SiteUNIGE Site = "UNIGE"
	SiteBARI  Site = "BARI"
)

// Sites lists every known execution site.
var Sites = []Site{SiteLocal, SiteCNAF, SitePMO, SiteUNIGE, SiteBARI}

// ParseSite validates a site name. Empty input yields SiteLocal.
func ParseSite(s string) (Site, error) {
	if s == "" {
		return SiteLocal, nil
	}
	for _, st := range Sites {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedSite, s)
}

// Job is a reusable unit-of-work definition. Its instances are stored
// separately and keyed by (job id, instance id).
type Job struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Slug             string    `json:"slug"`
	Type             JobType   `json:"type"`
	ExecutionSite    Site      `json:"execution_site"`
	Release          string    `json:"release,omitempty"`
	Dependencies     []string  `json:"dependencies"`
	Archived         bool      `json:"archived"`
	Comment          string    `json:"comment"`
	EnableMonitoring bool      `json:"enable_monitoring"`
	BodyRef          string    `json:"body_ref,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// DefaultComment is the comment of a job created without one.
const DefaultComment = "N/A"

// MaxTitleLength bounds Job.Title.
const MaxTitleLength = 255

// Validate checks the job's enumerated fields and required values.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Title) == "" {
		return fmt.Errorf("job title is required")
	}
	if len(j.Title) > MaxTitleLength {
		return fmt.Errorf("job title exceeds %d characters", MaxTitleLength)
	}
	if _, err := ParseJobType(string(j.Type)); err != nil {
		return err
	}
	if _, err := ParseSite(string(j.ExecutionSite)); err != nil {
		return err
	}
	if j.Slug != "" && !validSlug(j.Slug) {
		return fmt.Errorf("job slug %q must be URL-safe", j.Slug)
	}
	for _, dep := range j.Dependencies {
		if dep == j.ID {
			return ErrSelfDependency
		}
	}
	return nil
}

// DependsOn reports whether jobID is a declared dependency.
func (j *Job) DependsOn(jobID string) bool {
	for _, dep := range j.Dependencies {
		if dep == jobID {
			return true
		}
	}
	return false
}

// IsPilotJob reports whether instances of this job are pilots by default.
func (j *Job) IsPilotJob() bool {
	return j.Type == JobTypePilot
}

const slugAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SlugLength is the length of generated slugs.
const SlugLength = 12

// NewSlug returns a random URL-safe slug.
func NewSlug() (string, error) {
	var b strings.Builder
	b.Grow(SlugLength)
	max := big.NewInt(int64(len(slugAlphabet)))
	for i := 0; i < SlugLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate slug: %w", err)
		}
		b.WriteByte(slugAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func validSlug(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '~':
		default:
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	out := *j
	out.Dependencies = append([]string{}, j.Dependencies...)
	return &out
}
