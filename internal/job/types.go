package job

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// JobStatus represents the lifecycle state the pipeline and reporters
// track a job through. It is not part of the wire envelope.
type JobStatus string

const (
	// StatusPending indicates the job is waiting to be processed.
	StatusPending JobStatus = "pending"
	// StatusProcessing indicates the job is currently being processed.
	StatusProcessing JobStatus = "processing"
	// StatusCompleted indicates the job was successfully completed.
	StatusCompleted JobStatus = "completed"
	// StatusFailed indicates the job failed and will not be retried further.
	StatusFailed JobStatus = "failed"
	// StatusScheduled indicates the job is scheduled for future execution.
	StatusScheduled JobStatus = "scheduled"
)

// UniqueUntil governs when an advisory uniqueness lock is released.
type UniqueUntil string

const (
	// UntilStart releases the lock once the job starts executing.
	UntilStart UniqueUntil = "start"
	// UntilSuccess releases the lock only after the job succeeds.
	UntilSuccess UniqueUntil = "success"
)

// DefaultRetryCap is used when Retry is the boolean true (no explicit cap).
const DefaultRetryCap = 25

// Job is the canonical representation of a unit of work, matching the
// reference system's JSON envelope field-for-field.
type Job struct {
	JID         string          `json:"jid"`
	Class       string          `json:"class"`
	Args        json.RawMessage `json:"args"`
	Queue       string          `json:"queue"`
	Retry       interface{}     `json:"retry"` // bool or int
	RetryCount  int             `json:"retry_count,omitempty"`
	At          float64         `json:"at,omitempty"`
	CreatedAt   float64         `json:"created_at,omitempty"`
	EnqueuedAt  float64         `json:"enqueued_at,omitempty"`
	FailedAt    float64         `json:"failed_at,omitempty"`
	RetriedAt   float64         `json:"retried_at,omitempty"`
	ErrorClass  string          `json:"error_class,omitempty"`
	ErrorMsg    string          `json:"error_message,omitempty"`
	UniqueFor   int64           `json:"unique_for,omitempty"` // milliseconds
	UniqueUntil UniqueUntil     `json:"unique_until,omitempty"`
	UniqueToken string          `json:"unique_token,omitempty"`
	UnlocksAt   int64           `json:"unlocks_at,omitempty"`

	// Status is a local, non-wire lifecycle marker used by the pipeline
	// and reporters to sequence started/success/failure events.
	Status JobStatus `json:"-"`

	// backupPayload, when set, is the exact bytes this job was decoded
	// from. Acknowledge must LREM the literal backup-list entry, which
	// re-encoding could subtly alter (key order, spacing), so the queue
	// client stamps this on every Dequeue and prefers it over Encode.
	backupPayload []byte
}

// NewJID returns a fresh 24-character lowercase-hex job identifier drawn
// from 12 cryptographically random bytes.
func NewJID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString(buf)
	}
	return hex.EncodeToString(buf)
}

// New constructs a Job from a class name and arguments, applying the
// queue and retry defaults: a fresh jid, queue "default", retry true.
// CreatedAt/EnqueuedAt are left for the caller/queue to stamp via a Clock.
func New(class string, args json.RawMessage) *Job {
	return &Job{
		JID:    NewJID(),
		Class:  class,
		Args:   args,
		Queue:  "default",
		Retry:  true,
		Status: StatusPending,
	}
}

// Validate checks the job's structural invariants.
func (j *Job) Validate() error {
	if j.JID == "" {
		return fmt.Errorf("job: jid must not be empty")
	}
	if j.Class == "" {
		return fmt.Errorf("job: class must not be empty")
	}
	if j.RetryCount < 0 {
		return fmt.Errorf("job: retry_count must be >= 0")
	}
	if len(j.Args) > 0 {
		switch j.Args[0] {
		case '[', '{':
		default:
			return fmt.Errorf("job: args must be a JSON array or object")
		}
	}
	if j.UniqueFor > 0 && j.UniqueToken == "" {
		return fmt.Errorf("job: unique_for set without unique_token")
	}
	switch j.UniqueUntil {
	case "", UntilStart, UntilSuccess:
	default:
		return fmt.Errorf("job: unique_until must be %q, %q or absent", UntilStart, UntilSuccess)
	}
	return nil
}

// RetryCap resolves the job's retry field into a concrete attempt cap:
// a bool true means DefaultRetryCap, an integer is the cap itself, and
// false disables retries entirely (cap 0, retryable false).
func (j *Job) RetryCap() (cap int, retryable bool) {
	switch v := j.Retry.(type) {
	case bool:
		if !v {
			return 0, false
		}
		return DefaultRetryCap, true
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case nil:
		return DefaultRetryCap, true
	default:
		return DefaultRetryCap, true
	}
}

// uniqueInput is the canonicalised shape the uniqueness token is hashed
// over: class, queue and the already-canonical args bytes. Struct field
// order (not map order) is what keeps this deterministic.
type uniqueInput struct {
	Class string          `json:"class"`
	Queue string          `json:"queue"`
	Args  json.RawMessage `json:"args"`
}

// ComputeUniqueToken derives the deterministic SHA1-based uniqueness
// token for (class, queue, args), lowercase hex. This is a best-effort,
// non-interoperable scheme — see DESIGN.md Open Question 1.
func ComputeUniqueToken(class, queue string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	canon, err := json.Marshal(uniqueInput{Class: class, Queue: queue, Args: args})
	if err != nil {
		return "", fmt.Errorf("job: canonicalise unique input: %w", err)
	}
	sum := sha1.Sum(canon)
	return hex.EncodeToString(sum[:]), nil
}

// ApplyUnique resolves UniqueToken from UniqueFor/Class/Queue/Args, if
// the job requests uniqueness. Safe to call on jobs that do not.
func (j *Job) ApplyUnique() error {
	if j.UniqueFor <= 0 {
		return nil
	}
	if j.UniqueUntil != UntilStart && j.UniqueUntil != UntilSuccess {
		j.UniqueUntil = UntilStart
	}
	token, err := ComputeUniqueToken(j.Class, j.Queue, j.Args)
	if err != nil {
		return err
	}
	j.UniqueToken = token
	return nil
}

// Encode serialises the job to its wire JSON form.
func (j *Job) Encode() ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

// Decode parses a wire JSON payload into a Job, applying queue/retry
// defaults the same way New does for fields the envelope omitted.
func Decode(data []byte) (*Job, error) {
	j := &Job{}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("job: decode: %w", err)
	}
	if j.Queue == "" {
		j.Queue = "default"
	}
	if j.Retry == nil {
		j.Retry = true
	}
	return j, nil
}

// Clone returns a shallow copy of the job, safe for a reporter to mutate
// without aliasing the original.
func (j *Job) Clone() *Job {
	cp := *j
	return &cp
}

// UpdateStatus updates the job's local lifecycle marker. It does not
// touch any wire field.
func (j *Job) UpdateStatus(status JobStatus) {
	j.Status = status
}

// StampBackupPayload records the exact bytes a job was decoded from, so
// a later Acknowledge can LREM the literal backup-list entry rather
// than a re-encoded (and possibly differently ordered) copy.
func (j *Job) StampBackupPayload(data []byte) {
	j.backupPayload = data
}

// BackupPayload returns the bytes recorded by StampBackupPayload, or
// nil if none were stamped.
func (j *Job) BackupPayload() []byte {
	return j.backupPayload
}
