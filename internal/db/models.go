package db

import (
	"gorm.io/gorm"

	"github.com/google/uuid"
)

// Millis is an integer count of milliseconds since the Unix epoch, UTC.
// Every timestamp in the store uses this representation so cursor and
// expiry comparisons stay integer comparisons.
type Millis = int64

// -----------------------------------------------------------------------------
// Services
// -----------------------------------------------------------------------------

// Service is a port reservation keyed by semantic identity. Port is nullable
// for port-less workers; NULLs never collide on the unique index. A
// concurrent claim that loses the race hits the unique constraint and
// retries with a fresh candidate port.
type Service struct {
	ID             string `gorm:"primaryKey"`
	Port           *int   `gorm:"uniqueIndex"`
	PID            int    `gorm:"column:pid"`
	Cmd            string
	Cwd            string
	Status         string `gorm:"not null;default:'assigned'"` // "assigned", "running", "stopped", "crashed"
	CreatedAt      Millis `gorm:"not null"`
	LastSeen       Millis `gorm:"not null;index"`
	ExpiresAt      *Millis
	RestartPolicy  string
	HealthURL      string
	TunnelProvider string
	TunnelURL      string
	PairedWith     string
	AgentID        string `gorm:"index"`
	Metadata       string `gorm:"type:text;default:'{}'"` // JSON, <=10KB
}

// Endpoint maps a (service, env) pair to a URL. Soft reference: deleting a
// service does not cascade endpoints, matching the schema contract.
type Endpoint struct {
	ServiceID string `gorm:"primaryKey"`
	Env       string `gorm:"primaryKey"`
	URL       string `gorm:"not null"`
	CreatedAt Millis `gorm:"not null"`
	UpdatedAt Millis `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// Message is one row in a channel's append-only log. ID is the sqlite
// AUTOINCREMENT rowid and doubles as the since-cursor: strictly monotonic
// per database, so readers observe publish order within a channel.
type Message struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Channel   string `gorm:"not null;index"`
	Payload   string `gorm:"type:text;not null"`
	Sender    string
	CreatedAt Millis `gorm:"not null"`
	ExpiresAt *Millis
}

// -----------------------------------------------------------------------------
// Locks
// -----------------------------------------------------------------------------

// Lock is a named advisory lock. At most one live row (now < expires_at) may
// exist per name; expired rows are replaced in place by the next acquire.
type Lock struct {
	Name       string `gorm:"primaryKey"`
	Owner      string `gorm:"not null"`
	PID        int    `gorm:"column:pid"`
	AcquiredAt Millis `gorm:"not null"`
	ExpiresAt  Millis `gorm:"not null;index"`
	Metadata   string `gorm:"type:text;default:'{}'"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a registered client process. Liveness is heartbeat-driven; the
// reaper moves agents through active -> stale -> dead and, on death,
// releases everything the agent transitively owns.
type Agent struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Type            string
	PID             int    `gorm:"column:pid"`
	RegisteredAt    Millis `gorm:"not null"`
	LastHeartbeat   Millis `gorm:"not null;index"`
	MaxServices     int    `gorm:"not null"`
	MaxLocks        int    `gorm:"not null"`
	IdentityProject string `gorm:"index"`
	IdentityStack   string
	IdentityContext string
	Purpose         string
	WorktreeID      string
	Status          string `gorm:"not null;default:'active'"` // "active", "stale", "dead", "resurrecting"
}

// ResurrectionEntry captures a dead agent's context for hand-off to a
// successor. State machine: pending -> resurrecting -> completed | dismissed.
type ResurrectionEntry struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	OldID     string `gorm:"not null;uniqueIndex"`
	NewID     string
	Project   string `gorm:"index"`
	Purpose   string
	SessionID string
	Notes     string `gorm:"type:text;default:'[]'"` // JSON array of recent note contents
	State     string `gorm:"not null;default:'pending'"`
	CreatedAt Millis `gorm:"not null"`
	UpdatedAt Millis `gorm:"not null"`
}

// InboxMessage is a directed message in a per-agent queue. Separate from
// channel messages because the routing key is the recipient agent id.
type InboxMessage struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	AgentID   string `gorm:"not null;index"`
	Content   string `gorm:"type:text;not null"`
	Sender    string
	Read      bool   `gorm:"not null;default:false"`
	CreatedAt Millis `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// Session is a mutable container for a unit of agent work. Leaving "active"
// is terminal for its file claims; deleting a session cascades notes and
// claims (the only cascades in the schema).
type Session struct {
	ID          string `gorm:"primaryKey"` // UUIDv7
	Purpose     string `gorm:"not null"`
	Status      string `gorm:"not null;default:'active'"` // "active", "completed", "abandoned"
	AgentID     string `gorm:"index"`
	CreatedAt   Millis `gorm:"not null"`
	UpdatedAt   Millis `gorm:"not null"`
	CompletedAt *Millis
}

// BeforeCreate assigns a time-ordered UUIDv7 when the ID is unset.
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		s.ID = id.String()
	}
	return nil
}

// SessionFile is an advisory claim on a path. Overlapping claims report
// conflicts but only block without force.
type SessionFile struct {
	SessionID  string `gorm:"primaryKey"`
	FilePath   string `gorm:"primaryKey"`
	ClaimedAt  Millis `gorm:"not null"`
	ReleasedAt *Millis
}

// SessionNote is append-only: inserted once, never rewritten, removed only
// when the owning session is deleted or by retention trim.
type SessionNote struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"not null;index"`
	Content   string `gorm:"type:text;not null"`
	Type      string `gorm:"not null;default:'note'"`
	CreatedAt Millis `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// WebhookSubscription registers an outbound delivery target. Events is a
// JSON array of event names, or ["*"] for all. Filter, when set, is matched
// against the event's target id with the identity pattern rules.
type WebhookSubscription struct {
	ID        string `gorm:"primaryKey"` // UUIDv7
	URL       string `gorm:"not null"`
	Events    string `gorm:"type:text;not null;default:'[\"*\"]'"`
	Secret    string
	Filter    string
	Active    bool   `gorm:"not null;default:true"`
	CreatedAt Millis `gorm:"not null"`
	Metadata  string `gorm:"type:text;default:'{}'"`
}

// BeforeCreate assigns a time-ordered UUIDv7 when the ID is unset.
func (w *WebhookSubscription) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		w.ID = id.String()
	}
	return nil
}

// WebhookDelivery records one delivery and its retry state. Unfinished rows
// are requeued at boot and rescheduled by the reaper when NextRetryAt has
// elapsed.
type WebhookDelivery struct {
	ID             string `gorm:"primaryKey"` // UUIDv7
	SubscriptionID string `gorm:"not null;index"`
	Event          string `gorm:"not null"`
	TargetID       string
	Payload        string `gorm:"type:text;not null"`
	Timestamp      Millis `gorm:"not null"`
	StatusCode     int
	Success        bool `gorm:"not null;default:false"`
	Done           bool `gorm:"not null;default:false;index"`
	Attempts       int  `gorm:"not null;default:0"`
	NextRetryAt    *Millis
	LastError      string
}

// BeforeCreate assigns a time-ordered UUIDv7 when the ID is unset.
func (w *WebhookDelivery) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		w.ID = id.String()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Activity
// -----------------------------------------------------------------------------

// ActivityEntry is one append-only audit row. Bounded by the retention
// window and max-row cap, trimmed oldest-first by the reaper.
type ActivityEntry struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Timestamp Millis `gorm:"not null;index"`
	Type      string `gorm:"not null;index"`
	AgentID   string `gorm:"index"`
	TargetID  string
	Details   string
	Metadata  string `gorm:"type:text;default:'{}'"`
}

// -----------------------------------------------------------------------------
// Projects
// -----------------------------------------------------------------------------

// Project is opaque storage for the external scanner adapter. The core never
// interprets Config or Services.
type Project struct {
	ID          string `gorm:"primaryKey"`
	Root        string
	Type        string
	Config      string `gorm:"type:text;default:'{}'"`
	Services    string `gorm:"type:text;default:'[]'"`
	LastScanned *Millis
	CreatedAt   Millis `gorm:"not null"`
	Metadata    string `gorm:"type:text;default:'{}'"`
}
