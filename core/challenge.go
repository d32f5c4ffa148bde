package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChallengeKind discriminates the challenge union.
type ChallengeKind string

const (
	ChallengeKindSpeed     ChallengeKind = "speed"
	ChallengeKindStandard  ChallengeKind = "standard"
	ChallengeKindReasoning ChallengeKind = "reasoning"
	ChallengeKindHybrid    ChallengeKind = "hybrid"
)

// Difficulty selects the work table for standard challenges.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// DifficultySpec fixes the work units and time limit for a difficulty level.
type DifficultySpec struct {
	Primes      int
	TimeLimitMs int64
}

// DifficultyTable maps each difficulty to its fixed work parameters.
var DifficultyTable = map[Difficulty]DifficultySpec{
	DifficultyEasy:   {Primes: 100, TimeLimitMs: 5000},
	DifficultyMedium: {Primes: 500, TimeLimitMs: 15000},
	DifficultyHard:   {Primes: 1000, TimeLimitMs: 30000},
}

const (
	// SpeedProblemCount is the number of hash problems per speed challenge.
	SpeedProblemCount = 5

	// SpeedBaseTimeLimitMs is the speed time limit before RTT adjustment.
	SpeedBaseTimeLimitMs int64 = 500

	// ReasoningQuestionCount is the number of questions per reasoning challenge.
	ReasoningQuestionCount = 3

	// ReasoningTimeLimitMs is the fixed reasoning time limit.
	ReasoningTimeLimitMs int64 = 30000

	// HybridTimeLimitMs covers both halves of a hybrid challenge.
	HybridTimeLimitMs int64 = 35000
)

// SpeedProblem pairs a six-digit number with the hash prefix a solver must
// produce for it.
type SpeedProblem struct {
	Number         int    `json:"number"`
	ExpectedPrefix string `json:"expectedPrefix"`
}

// SpeedChallenge is a latency-bound hashing challenge. AdjustedTimeLimitMs
// accounts for the client's measured round-trip time when a timestamp hint
// was supplied.
type SpeedChallenge struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenantId,omitempty"`
	Problems            []SpeedProblem `json:"problems"`
	BaseTimeLimitMs     int64          `json:"baseTimeLimitMs"`
	AdjustedTimeLimitMs int64          `json:"adjustedTimeLimitMs"`
	MeasuredRTTMs       int64          `json:"measuredRttMs,omitempty"`
	IssuedAt            time.Time      `json:"issuedAt"`
	ExpiresAt           time.Time      `json:"expiresAt"`
}

// StandardChallenge is a fixed-work hashing puzzle. The salt baked into the
// puzzle text makes precomputed lookup tables useless.
type StandardChallenge struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId,omitempty"`
	Puzzle         string     `json:"puzzle"`
	ExpectedAnswer string     `json:"expectedAnswer"`
	Difficulty     Difficulty `json:"difficulty"`
	TimeLimitMs    int64      `json:"timeLimitMs"`
	IssuedAt       time.Time  `json:"issuedAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
}

// ReasoningQuestion is one prompt with its normalized accepted answers.
type ReasoningQuestion struct {
	ID              string   `json:"id"`
	Prompt          string   `json:"prompt"`
	Category        string   `json:"category"`
	AcceptedAnswers []string `json:"acceptedAnswers"`
}

// ReasoningChallenge holds exactly three questions drawn from at least two
// categories when the pool allows.
type ReasoningChallenge struct {
	ID          string              `json:"id"`
	TenantID    string              `json:"tenantId,omitempty"`
	Questions   []ReasoningQuestion `json:"questions"`
	TimeLimitMs int64               `json:"timeLimitMs"`
	IssuedAt    time.Time           `json:"issuedAt"`
	ExpiresAt   time.Time           `json:"expiresAt"`
}

// HybridChallenge composes one speed and one reasoning challenge; both must
// pass for the hybrid to pass.
type HybridChallenge struct {
	ID                   string    `json:"id"`
	TenantID             string    `json:"tenantId,omitempty"`
	SpeedChallengeID     string    `json:"speedChallengeId"`
	ReasoningChallengeID string    `json:"reasoningChallengeId"`
	TimeLimitMs          int64     `json:"timeLimitMs"`
	IssuedAt             time.Time `json:"issuedAt"`
	ExpiresAt            time.Time `json:"expiresAt"`
}

// ChallengeRecord is the closed union persisted under challenge:{id}.
// Exactly one variant field is set, matching Kind.
type ChallengeRecord struct {
	Kind      ChallengeKind       `json:"kind"`
	Speed     *SpeedChallenge     `json:"speed,omitempty"`
	Standard  *StandardChallenge  `json:"standard,omitempty"`
	Reasoning *ReasoningChallenge `json:"reasoning,omitempty"`
}

// DecodeChallengeRecord unmarshals a stored challenge, rejecting unknown
// discriminants and records whose variant does not match the discriminant.
func DecodeChallengeRecord(data []byte) (*ChallengeRecord, error) {
	var rec ChallengeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding challenge record: %w", err)
	}
	switch rec.Kind {
	case ChallengeKindSpeed:
		if rec.Speed == nil {
			return nil, fmt.Errorf("challenge record kind %q has no speed payload", rec.Kind)
		}
	case ChallengeKindStandard:
		if rec.Standard == nil {
			return nil, fmt.Errorf("challenge record kind %q has no standard payload", rec.Kind)
		}
	case ChallengeKindReasoning:
		if rec.Reasoning == nil {
			return nil, fmt.Errorf("challenge record kind %q has no reasoning payload", rec.Kind)
		}
	default:
		return nil, fmt.Errorf("unknown challenge kind %q", rec.Kind)
	}
	return &rec, nil
}

// VerifyResult reports the outcome of a challenge verification. Reason is a
// machine-checkable string from the core reason table; it never discloses
// the expected answer.
type VerifyResult struct {
	Valid       bool   `json:"valid"`
	SolveTimeMs int64  `json:"solveTimeMs,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}
