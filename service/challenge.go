package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/botwall/botwall/core"
	"github.com/botwall/botwall/ports"
)

const (
	// consumeGrace keeps a challenge readable slightly past its deadline so
	// a just-too-late submission gets a precise TooSlow instead of NotFound.
	consumeGrace = 50 * time.Millisecond

	// clientTimestampMaxAge bounds how old an X-Client-Timestamp hint may be
	// before it is ignored.
	clientTimestampMaxAge = 30 * time.Second

	// rttCapMs caps the RTT credit granted to a speed challenge.
	rttCapMs int64 = 5000

	// rttBufferMs is the flat allowance added on top of the doubled RTT.
	rttBufferMs int64 = 100

	speedHashPrefixLen = 8
	standardAnswerLen  = 16
	standardSaltLen    = 16
)

func challengeKey(id string) string { return "challenge:" + id }
func hybridKey(id string) string { return "hybrid:" + id }

// ChallengeService is the challenge engine: it generates the four challenge
// variants and verifies solutions exactly once. Every verification attempt
// consumes the challenge, pass or fail, so a failed attempt cannot be used
// as an oracle.
type ChallengeService struct {
	store  ports.TTLStore
	logger *slog.Logger
	now    func() time.Time
}

// NewChallengeService creates a challenge engine on the given store.
func NewChallengeService(store ports.TTLStore, logger *slog.Logger) *ChallengeService {
	return &ChallengeService{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// GenerateSpeed issues a latency-bound hashing challenge. When the client
// supplies a timestamp hint (epoch ms) that is not in the future and at most
// 30s old, the time limit is widened for the measured round trip:
// adjusted = base + 2*rtt + buffer, with rtt capped at 5s.
func (s *ChallengeService) GenerateSpeed(ctx context.Context, clientTimestampMs int64, tenantID string) (*core.SpeedChallenge, error) {
	now := s.now()

	problems := make([]core.SpeedProblem, core.SpeedProblemCount)
	for i := range problems {
		n, err := randomInt(100000, 999999)
		if err != nil {
			return nil, fmt.Errorf("generating speed problem: %w", err)
		}
		problems[i] = core.SpeedProblem{
			Number:         n,
			ExpectedPrefix: hashPrefix(strconv.Itoa(n), speedHashPrefixLen),
		}
	}

	adjusted := core.SpeedBaseTimeLimitMs
	var measuredRTT int64
	if clientTimestampMs > 0 {
		sent := time.UnixMilli(clientTimestampMs)
		age := now.Sub(sent)
		if age >= 0 && age <= clientTimestampMaxAge {
			measuredRTT = min(age.Milliseconds(), rttCapMs)
			adjusted = max(core.SpeedBaseTimeLimitMs, core.SpeedBaseTimeLimitMs+2*measuredRTT+rttBufferMs)
		}
	}

	ch := &core.SpeedChallenge{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		Problems:            problems,
		BaseTimeLimitMs:     core.SpeedBaseTimeLimitMs,
		AdjustedTimeLimitMs: adjusted,
		MeasuredRTTMs:       measuredRTT,
		IssuedAt:            now,
		ExpiresAt:           now.Add(time.Duration(adjusted) * time.Millisecond),
	}
	rec := core.ChallengeRecord{Kind: core.ChallengeKindSpeed, Speed: ch}
	ttl := time.Duration(adjusted)*time.Millisecond + consumeGrace
	if err := s.putChallenge(ctx, ch.ID, &rec, ttl); err != nil {
		return nil, err
	}
	return ch, nil
}

// VerifySpeed consumes and checks a speed challenge. All five answers are
// compared case-insensitively; a mismatch fails without disclosing the
// expected value.
func (s *ChallengeService) VerifySpeed(ctx context.Context, id string, answers []string) (*core.VerifyResult, error) {
	rec, result, err := s.consume(ctx, id)
	if err != nil || result != nil {
		return result, err
	}
	if rec.Kind != core.ChallengeKindSpeed {
		return malformedResult(fmt.Sprintf("challenge %s is not a speed challenge", id)), nil
	}
	ch := rec.Speed

	if len(answers) != core.SpeedProblemCount {
		return malformedResult(fmt.Sprintf("expected %d answers, got %d", core.SpeedProblemCount, len(answers))), nil
	}

	solveTime := s.now().Sub(ch.IssuedAt).Milliseconds()
	if solveTime > ch.AdjustedTimeLimitMs {
		msg := fmt.Sprintf("answered in %dms, limit %dms", solveTime, ch.AdjustedTimeLimitMs)
		if ch.MeasuredRTTMs > 0 {
			msg = fmt.Sprintf("%s (base %dms widened for %dms RTT)", msg, ch.BaseTimeLimitMs, ch.MeasuredRTTMs)
		}
		return &core.VerifyResult{
			SolveTimeMs: solveTime,
			Reason:      core.Reason(core.ErrChallengeTooSlow),
			Message:     msg,
		}, nil
	}

	for i, p := range ch.Problems {
		if !strings.EqualFold(strings.TrimSpace(answers[i]), p.ExpectedPrefix) {
			return &core.VerifyResult{
				SolveTimeMs: solveTime,
				Reason:      core.Reason(core.ErrChallengeAnswerMismatch),
				Message:     fmt.Sprintf("answer %d of %d is wrong", i+1, core.SpeedProblemCount),
			}, nil
		}
	}
	return &core.VerifyResult{Valid: true, SolveTimeMs: solveTime}, nil
}

// GenerateStandard issues a fixed-work hashing puzzle at the given
// difficulty. A fresh salt is baked into the puzzle text so precomputed
// answer tables are useless.
func (s *ChallengeService) GenerateStandard(ctx context.Context, difficulty core.Difficulty, tenantID string) (*core.StandardChallenge, error) {
	spec, ok := core.DifficultyTable[difficulty]
	if !ok {
		return nil, fmt.Errorf("unknown difficulty %q: %w", difficulty, core.ErrChallengeMalformedInput)
	}

	salt, err := randomHex(standardSaltLen)
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	var data strings.Builder
	for _, p := range firstPrimes(spec.Primes) {
		data.WriteString(strconv.Itoa(p))
	}
	data.WriteString(salt)

	now := s.now()
	ch := &core.StandardChallenge{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Puzzle: fmt.Sprintf(
			"Concatenate the first %d prime numbers as decimal strings, append the salt %q, and answer with the first %d hex characters of the SHA-256 digest.",
			spec.Primes, salt, standardAnswerLen),
		ExpectedAnswer: hashPrefix(data.String(), standardAnswerLen),
		Difficulty:     difficulty,
		TimeLimitMs:    spec.TimeLimitMs,
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Duration(spec.TimeLimitMs) * time.Millisecond),
	}
	rec := core.ChallengeRecord{Kind: core.ChallengeKindStandard, Standard: ch}
	ttl := time.Duration(spec.TimeLimitMs)*time.Millisecond + consumeGrace
	if err := s.putChallenge(ctx, ch.ID, &rec, ttl); err != nil {
		return nil, err
	}
	return ch, nil
}

// VerifyStandard consumes and checks a standard challenge.
func (s *ChallengeService) VerifyStandard(ctx context.Context, id, answer string) (*core.VerifyResult, error) {
	rec, result, err := s.consume(ctx, id)
	if err != nil || result != nil {
		return result, err
	}
	if rec.Kind != core.ChallengeKindStandard {
		return malformedResult(fmt.Sprintf("challenge %s is not a standard challenge", id)), nil
	}
	ch := rec.Standard

	if strings.TrimSpace(answer) == "" {
		return malformedResult("empty answer"), nil
	}

	solveTime := s.now().Sub(ch.IssuedAt).Milliseconds()
	if solveTime > ch.TimeLimitMs {
		return &core.VerifyResult{
			SolveTimeMs: solveTime,
			Reason:      core.Reason(core.ErrChallengeTooSlow),
			Message:     fmt.Sprintf("answered in %dms, limit %dms", solveTime, ch.TimeLimitMs),
		}, nil
	}
	if !strings.EqualFold(strings.TrimSpace(answer), ch.ExpectedAnswer) {
		return &core.VerifyResult{
			SolveTimeMs: solveTime,
			Reason:      core.Reason(core.ErrChallengeAnswerMismatch),
			Message:     "digest prefix is wrong",
		}, nil
	}
	return &core.VerifyResult{Valid: true, SolveTimeMs: solveTime}, nil
}

// GenerateReasoning issues three questions drawn from at least two distinct
// categories when the pool allows, at most two per category. Parametric
// questions get fresh operands on every call.
func (s *ChallengeService) GenerateReasoning(ctx context.Context, tenantID string) (*core.ReasoningChallenge, error) {
	questions, err := drawQuestions(core.ReasoningQuestionCount)
	if err != nil {
		return nil, fmt.Errorf("drawing reasoning questions: %w", err)
	}

	now := s.now()
	ch := &core.ReasoningChallenge{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Questions:   questions,
		TimeLimitMs: core.ReasoningTimeLimitMs,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Duration(core.ReasoningTimeLimitMs) * time.Millisecond),
	}
	rec := core.ChallengeRecord{Kind: core.ChallengeKindReasoning, Reasoning: ch}
	ttl := time.Duration(core.ReasoningTimeLimitMs)*time.Millisecond + consumeGrace
	if err := s.putChallenge(ctx, ch.ID, &rec, ttl); err != nil {
		return nil, err
	}
	return ch, nil
}

// VerifyReasoning consumes and checks a reasoning challenge. Answers are
// matched in question order after normalization.
func (s *ChallengeService) VerifyReasoning(ctx context.Context, id string, answers []string) (*core.VerifyResult, error) {
	rec, result, err := s.consume(ctx, id)
	if err != nil || result != nil {
		return result, err
	}
	if rec.Kind != core.ChallengeKindReasoning {
		return malformedResult(fmt.Sprintf("challenge %s is not a reasoning challenge", id)), nil
	}
	ch := rec.Reasoning

	if len(answers) != len(ch.Questions) {
		return malformedResult(fmt.Sprintf("expected %d answers, got %d", len(ch.Questions), len(answers))), nil
	}

	solveTime := s.now().Sub(ch.IssuedAt).Milliseconds()
	if solveTime > ch.TimeLimitMs {
		return &core.VerifyResult{
			SolveTimeMs: solveTime,
			Reason:      core.Reason(core.ErrChallengeTooSlow),
			Message:     fmt.Sprintf("answered in %dms, limit %dms", solveTime, ch.TimeLimitMs),
		}, nil
	}

	for i, q := range ch.Questions {
		if !answerMatches(answers[i], q.AcceptedAnswers) {
			return &core.VerifyResult{
				SolveTimeMs: solveTime,
				Reason:      core.Reason(core.ErrChallengeAnswerMismatch),
				Message:     fmt.Sprintf("answer %d of %d not accepted", i+1, len(ch.Questions)),
			}, nil
		}
	}
	return &core.VerifyResult{Valid: true, SolveTimeMs: solveTime}, nil
}

// GenerateHybrid composes one speed and one reasoning challenge under a
// shared deadline. Both halves must pass for the hybrid to pass.
func (s *ChallengeService) GenerateHybrid(ctx context.Context, clientTimestampMs int64, tenantID string) (*core.HybridChallenge, *core.SpeedChallenge, *core.ReasoningChallenge, error) {
	speed, err := s.GenerateSpeed(ctx, clientTimestampMs, tenantID)
	if err != nil {
		return nil, nil, nil, err
	}
	reasoning, err := s.GenerateReasoning(ctx, tenantID)
	if err != nil {
		return nil, nil, nil, err
	}

	now := s.now()
	hybrid := &core.HybridChallenge{
		ID:                   uuid.New().String(),
		TenantID:             tenantID,
		SpeedChallengeID:     speed.ID,
		ReasoningChallengeID: reasoning.ID,
		TimeLimitMs:          core.HybridTimeLimitMs,
		IssuedAt:             now,
		ExpiresAt:            now.Add(time.Duration(core.HybridTimeLimitMs) * time.Millisecond),
	}

	payload, err := json.Marshal(hybrid)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding hybrid challenge: %w", err)
	}
	ttl := time.Duration(core.HybridTimeLimitMs)*time.Millisecond + consumeGrace
	if err := s.store.Put(ctx, hybridKey(hybrid.ID), string(payload), ttl); err != nil {
		return nil, nil, nil, fmt.Errorf("storing hybrid challenge: %w", err)
	}
	return hybrid, speed, reasoning, nil
}

// Hybrid half reasons. The message carries the sub-challenge reasons.
const (
	ReasonSpeedHalfFailed     = "SpeedHalfFailed"
	ReasonReasoningHalfFailed = "ReasoningHalfFailed"
	ReasonBothHalvesFailed    = "BothHalvesFailed"
)

// VerifyHybrid consumes the hybrid record and independently verifies both
// sub-challenges; each is consumed exactly once regardless of the other's
// outcome. The failure reason names which half(s) failed.
func (s *ChallengeService) VerifyHybrid(ctx context.Context, id string, speedAnswers, reasoningAnswers []string) (*core.VerifyResult, error) {
	raw, err := s.store.Get(ctx, hybridKey(id))
	if errors.Is(err, core.ErrStoreNotFound) {
		return notFoundResult(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching hybrid challenge: %w", err)
	}
	if derr := s.store.Delete(ctx, hybridKey(id)); derr != nil {
		s.logger.Warn("failed to consume hybrid challenge", "id", id, "error", derr)
	}

	var hybrid core.HybridChallenge
	if err := json.Unmarshal([]byte(raw), &hybrid); err != nil {
		return nil, fmt.Errorf("decoding hybrid challenge: %w", err)
	}

	// Both halves are verified unconditionally so each is consumed.
	speedResult, err := s.VerifySpeed(ctx, hybrid.SpeedChallengeID, speedAnswers)
	if err != nil {
		return nil, err
	}
	reasoningResult, err := s.VerifyReasoning(ctx, hybrid.ReasoningChallengeID, reasoningAnswers)
	if err != nil {
		return nil, err
	}

	solveTime := s.now().Sub(hybrid.IssuedAt).Milliseconds()
	switch {
	case speedResult.Valid && reasoningResult.Valid:
		if solveTime > hybrid.TimeLimitMs {
			return &core.VerifyResult{
				SolveTimeMs: solveTime,
				Reason:      core.Reason(core.ErrChallengeTooSlow),
				Message:     fmt.Sprintf("answered in %dms, limit %dms", solveTime, hybrid.TimeLimitMs),
			}, nil
		}
		return &core.VerifyResult{Valid: true, SolveTimeMs: solveTime}, nil
	case !speedResult.Valid && !reasoningResult.Valid:
		return &core.VerifyResult{
			SolveTimeMs: solveTime,
			Reason:      ReasonBothHalvesFailed,
			Message:     fmt.Sprintf("speed: %s; reasoning: %s", speedResult.Reason, reasoningResult.Reason),
		}, nil
	case !speedResult.Valid:
		return &core.VerifyResult{
			SolveTimeMs: solveTime,
			Reason:      ReasonSpeedHalfFailed,
			Message:     fmt.Sprintf("speed: %s", speedResult.Reason),
		}, nil
	default:
		return &core.VerifyResult{
			SolveTimeMs: solveTime,
			Reason:      ReasonReasoningHalfFailed,
			Message:     fmt.Sprintf("reasoning: %s", reasoningResult.Reason),
		}, nil
	}
}

// Kind looks up the stored kind for a challenge id without consuming it.
// The transport layer uses it to dispatch a generic verify request.
func (s *ChallengeService) Kind(ctx context.Context, id string) (core.ChallengeKind, error) {
	if _, err := s.store.Get(ctx, hybridKey(id)); err == nil {
		return core.ChallengeKindHybrid, nil
	}
	raw, err := s.store.Get(ctx, challengeKey(id))
	if errors.Is(err, core.ErrStoreNotFound) {
		return "", core.ErrChallengeNotFoundOrExpired
	}
	if err != nil {
		return "", fmt.Errorf("fetching challenge: %w", err)
	}
	rec, err := core.DecodeChallengeRecord([]byte(raw))
	if err != nil {
		return "", err
	}
	return rec.Kind, nil
}

func (s *ChallengeService) putChallenge(ctx context.Context, id string, rec *core.ChallengeRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding challenge: %w", err)
	}
	if err := s.store.Put(ctx, challengeKey(id), string(payload), ttl); err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// consume performs the fetch-then-delete that makes verification one-shot.
// The delete removes the only copy, so a client racing itself sees at most
// one winner; two truly concurrent attempts for the same id may race the
// fetch, and the loser's outcome is undefined.
func (s *ChallengeService) consume(ctx context.Context, id string) (*core.ChallengeRecord, *core.VerifyResult, error) {
	key := challengeKey(id)
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, core.ErrStoreNotFound) {
		return nil, notFoundResult(), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("fetching challenge: %w", err)
	}
	if derr := s.store.Delete(ctx, key); derr != nil {
		s.logger.Warn("failed to consume challenge", "id", id, "error", derr)
	}
	rec, err := core.DecodeChallengeRecord([]byte(raw))
	if err != nil {
		return nil, nil, err
	}
	return rec, nil, nil
}

func notFoundResult() *core.VerifyResult {
	return &core.VerifyResult{
		Reason:  core.Reason(core.ErrChallengeNotFoundOrExpired),
		Message: "challenge not found or expired",
	}
}

func malformedResult(msg string) *core.VerifyResult {
	return &core.VerifyResult{
		Reason:  core.Reason(core.ErrChallengeMalformedInput),
		Message: msg,
	}
}

func hashPrefix(input string, n int) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:n]
}

// randomInt returns a uniform random int in [lo, hi] from the CSPRNG.
func randomInt(lo, hi int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo+1)))
	if err != nil {
		return 0, err
	}
	return lo + int(n.Int64()), nil
}

func randomHex(length int) (string, error) {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:length], nil
}

// firstPrimes returns the first n primes by trial division. The standard
// difficulty table tops out at 1000 primes, where this is still cheap.
func firstPrimes(n int) []int {
	primes := make([]int, 0, n)
	for candidate := 2; len(primes) < n; candidate++ {
		isPrime := true
		for _, p := range primes {
			if p*p > candidate {
				break
			}
			if candidate%p == 0 {
				isPrime = false
				break
			}
		}
		if isPrime {
			primes = append(primes, candidate)
		}
	}
	return primes
}
