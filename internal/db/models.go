package db

import (
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubjectKind selects the statistic family of a StatRecord
type SubjectKind string

const (
	SubjectUser    SubjectKind = "user"
	SubjectKeg     SubjectKind = "keg"
	SubjectSession SubjectKind = "session"
)

// Subject identifies the entity a stat mapping is computed for
type Subject struct {
	Kind SubjectKind
	ID   string
}

func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Tap represents a dispensing point and its current configuration
type Tap struct {
	ID        string
	Name      string
	KegID     *int64
	MlPerTick float64
}

// Pour represents a completed dispense
type Pour struct {
	ID            snowflake.ID
	TapID         string
	Ticks         int64
	VolumeMl      float64
	StartTime     time.Time
	EndTime       time.Time
	UserID        *string
	KegID         int64
	SessionID     *snowflake.ID
	IsValid       bool
	InvalidReason *string
	StatsApplied  bool
}

// Subjects lists every stat subject the pour contributes to
func (p *Pour) Subjects() []Subject {
	subjects := make([]Subject, 0, 3)
	if p.UserID != nil && *p.UserID != "" {
		subjects = append(subjects, Subject{Kind: SubjectUser, ID: *p.UserID})
	}
	subjects = append(subjects, Subject{Kind: SubjectKeg, ID: strconv.FormatInt(p.KegID, 10)})
	if p.SessionID != nil {
		subjects = append(subjects, Subject{Kind: SubjectSession, ID: p.SessionID.String()})
	}
	return subjects
}

// DrinkingSession represents a temporal cluster of pours
type DrinkingSession struct {
	ID            snowflake.ID
	Scope         string
	StartTime     time.Time
	EndTime       time.Time
	TotalVolumeMl float64
}

// StatRecord is the persisted StatMapping of one subject
type StatRecord struct {
	Subject      Subject
	Revision     int
	LastPourID   snowflake.ID
	LastPourTime time.Time
	Stats        []byte
	UpdatedAt    time.Time
}
