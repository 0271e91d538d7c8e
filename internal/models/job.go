package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job status enum. SUCCEEDED and FAILED are terminal.
const (
	JobStatusQueued    = "QUEUED"
	JobStatusRunning   = "RUNNING"
	JobStatusSucceeded = "SUCCEEDED"
	JobStatusFailed    = "FAILED"
)

// MaxErrorTextLen bounds the persisted error_text of a failed job.
const MaxErrorTextLen = 8000

// Parameter defaults applied when a request leaves a field unset.
const (
	DefaultResolution       = 1024
	DefaultSeed             = 0
	DefaultDecimationTarget = 500000
	DefaultTextureSize      = 2048

	MinDecimationTarget = 10000
	MaxDecimationTarget = 2000000
)

// ErrInvalidParams is returned by JobParams.Validate.
var ErrInvalidParams = errors.New("invalid job parameters")

var (
	allowedResolutions  = []int{512, 1024, 1536}
	allowedTextureSizes = []int{512, 1024, 2048, 4096}
)

type Job struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Status         string     `json:"status"`
	InputRef       string     `json:"input_ref"`
	OutputRef      *string    `json:"output_ref,omitempty"`
	Params         JobParams  `json:"params"`
	CostCredits    int        `json:"cost_credits"`
	ErrorText      *string    `json:"error_text,omitempty"`
	LeaseOwner     *string    `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
	Attempts       int        `json:"attempts"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the job has reached SUCCEEDED or FAILED.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

// LeaseActive reports whether a RUNNING job is still held by a live worker at now.
func (j *Job) LeaseActive(now time.Time) bool {
	if j.Status != JobStatusRunning || j.LeaseExpiresAt == nil {
		return false
	}
	return j.LeaseExpiresAt.After(now)
}

// JobParams is the typed parameter set passed to the compute engine.
type JobParams struct {
	Resolution       int   `json:"resolution"`
	Seed             int64 `json:"seed"`
	DecimationTarget int   `json:"decimation_target"`
	TextureSize      int   `json:"texture_size"`
}

func DefaultJobParams() JobParams {
	return JobParams{
		Resolution:       DefaultResolution,
		Seed:             DefaultSeed,
		DecimationTarget: DefaultDecimationTarget,
		TextureSize:      DefaultTextureSize,
	}
}

func (p JobParams) Validate() error {
	if !contains(allowedResolutions, p.Resolution) {
		return fmt.Errorf("%w: resolution must be one of %v", ErrInvalidParams, allowedResolutions)
	}
	if p.Seed < 0 {
		return fmt.Errorf("%w: seed must be >= 0", ErrInvalidParams)
	}
	if p.DecimationTarget < MinDecimationTarget || p.DecimationTarget > MaxDecimationTarget {
		return fmt.Errorf("%w: decimation_target must be in [%d, %d]", ErrInvalidParams, MinDecimationTarget, MaxDecimationTarget)
	}
	if !contains(allowedTextureSizes, p.TextureSize) {
		return fmt.Errorf("%w: texture_size must be one of %v", ErrInvalidParams, allowedTextureSizes)
	}
	return nil
}

// TruncateErrorText cuts s to MaxErrorTextLen runes.
func TruncateErrorText(s string) string {
	r := []rune(s)
	if len(r) <= MaxErrorTextLen {
		return s
	}
	return string(r[:MaxErrorTextLen])
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
