package models

import "time"

// SessionStatus is the onboarding session lifecycle state.
type SessionStatus string

// Session statuses.
const (
	SessionActive    SessionStatus = "active"
	SessionAbandoned SessionStatus = "abandoned"
	SessionCompleted SessionStatus = "completed"
)

// Session is one onboarding question/answer run. A user has at most one
// ACTIVE session; starting a new one abandons the prior.
type Session struct {
	ID                string        `db:"id" json:"id"`
	UserID            int64         `db:"user_id" json:"user_id"`
	Status            SessionStatus `db:"status" json:"status"`
	StartedAt         time.Time     `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	LastActivityAt    time.Time     `db:"last_activity_at" json:"last_activity_at"`
	QuestionsAsked    int           `db:"questions_asked" json:"questions_asked"`
	QuestionsAnswered int           `db:"questions_answered" json:"questions_answered"`
	HeavyCount        int           `db:"heavy_count" json:"heavy_count"`
	DomainsCovered    []string      `db:"-" json:"domains_covered"`
	CurrentQuestionID string        `db:"current_question_id" json:"current_question_id,omitempty"`
	// Strategy is the tag from the last selector decision.
	Strategy string `db:"strategy" json:"strategy,omitempty"`
}

// Answer is one recorded user answer.
type Answer struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	UserID     int64     `db:"user_id" json:"user_id"`
	QuestionID string    `db:"question_id" json:"question_id"`
	AnswerText string    `db:"answer_text" json:"answer_text"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// BlockType gates question cluster progression.
type BlockType string

// Question block types, in required order of completion.
const (
	BlockFoundation  BlockType = "foundation"
	BlockExploration BlockType = "exploration"
	BlockIntegration BlockType = "integration"
)

// Question is a read-only catalog entry.
type Question struct {
	ID         string    `json:"id" yaml:"id"`
	ClusterID  string    `json:"cluster_id" yaml:"cluster_id"`
	Domain     string    `json:"domain" yaml:"domain"`
	Text       string    `json:"text" yaml:"text"`
	DepthLevel int       `json:"depth_level" yaml:"depth_level"`
	Energy     string    `json:"energy" yaml:"energy"`
	Block      BlockType `json:"block" yaml:"block"`
}

// Heavy reports whether answering this question costs significant user energy.
func (q Question) Heavy() bool { return q.Energy == "heavy" || q.DepthLevel >= 3 }

// Cluster groups questions within a block.
type Cluster struct {
	ID        string    `json:"id" yaml:"id"`
	ProgramID string    `json:"program_id" yaml:"program_id"`
	Block     BlockType `json:"block" yaml:"block"`
	Domain    string    `json:"domain" yaml:"domain"`
	Questions []string  `json:"questions" yaml:"questions"`
}

// QuestionMetadata carries admin moderation state for a catalog question.
type QuestionMetadata struct {
	JSONID         string     `db:"json_id" json:"json_id"`
	Domain         string     `db:"domain" json:"domain"`
	DepthLevel     int        `db:"depth_level" json:"depth_level"`
	Energy         string     `db:"energy" json:"energy"`
	IsFlagged      bool       `db:"is_flagged" json:"is_flagged"`
	FlagReason     string     `db:"flag_reason" json:"flag_reason,omitempty"`
	FlaggedAt      *time.Time `db:"flagged_at" json:"flagged_at,omitempty"`
	FlaggedByAdmin string     `db:"flagged_by_admin" json:"flagged_by_admin,omitempty"`
}
