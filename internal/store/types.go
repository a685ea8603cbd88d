package store

import "time"

// Layer discriminates the five memory layers. The empty string is the
// "legacy" layer: pre-migration documents, treated as semantic everywhere.
type Layer string

const (
	LayerUserModel  Layer = "user_model"
	LayerProcedural Layer = "procedural"
	LayerSemantic   Layer = "semantic"
	LayerEpisodic   Layer = "episodic"
	LayerLegacy     Layer = ""
)

// Document is the durable unit the Store owns. Confidence and DecayScore are
// stored as integers 0..100; callers work in the [0,1] float domain via
// FloatToInt/IntToFloat.
type Document struct {
	ID              int64
	Layer           Layer
	Type            string
	SourcePath      string
	ContentIndexed  bool
	Content         string
	Concepts        string // JSON envelope: UserModel | ProceduralMemory | EpisodicMemory | freeform
	Origin          string
	Project         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	AccessCount     int64
	LastAccessedAt  time.Time
	Confidence      int // 0..100
	DecayScore      int // 0..100
	ExpiresAt       *time.Time
	IsPrivate       bool
	CreatedBy       string
	SupersededBy    *int64
}

// FloatToInt converts a [0,1] float to the stored 0..100 integer domain,
// clamping out-of-range input.
func FloatToInt(f float64) int {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return int(f*100 + 0.5)
}

// IntToFloat is the inverse of FloatToInt. floatToInt∘intToFloat is the
// identity on the integer domain [0..100] (see spec round-trip laws).
func IntToFloat(i int) float64 {
	if i < 0 {
		i = 0
	}
	if i > 100 {
		i = 100
	}
	return float64(i) / 100.0
}

// QueueEntryRow is the persisted form of a Group Queue transition.
type QueueEntryRow struct {
	ID            string
	Conversation  string
	DeliveryID    string
	Body          string
	Author        string
	ReceivedAt    time.Time
	OriginTS      time.Time
	Attempt       int
	FirstSeenAt   time.Time
	NextEligibleAt time.Time
	State         string // pending | in-flight | done | retry | dead-letter
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ScheduledJobRow is the persisted form of a Scheduled Job.
type ScheduledJobRow struct {
	ID            string
	Owner         string
	ScheduleKind  string // cron | interval | once
	ScheduleValue string
	Prompt        string
	ContextMode   string // grouped | isolated
	Status        string // active | paused | cancelled
	NextRun       time.Time
	LastRun       *time.Time
	LastResult    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HeartbeatJobRow is the persisted form of a Heartbeat Job.
type HeartbeatJobRow struct {
	ID       string
	Owner    string
	Category string // learning | monitor | health | custom
	Prompt   string
	Status   string
	NextRun  time.Time
	LastRun  *time.Time
}

// DeadLetterRow is a permanent record of a message that exhausted retries.
type DeadLetterRow struct {
	ID          string
	DeliveryID  string
	Conversation string
	EntrySnapshot string // JSON snapshot of the queue entry
	FinalError  string
	ArrivedAt   time.Time
}

// SupersedeLogRow records a consolidation supersession.
type SupersedeLogRow struct {
	ID             int64
	SupersededID   int64
	RepresentativeID int64
	Reason         string
	CreatedAt      time.Time
}
