// Package auth implements AuthCoordinator (SPEC_FULL.md §4.6): the session
// state machine routing a user through Anonymous → StepUp? → Verified, the
// JWT session cookie transport adapted from the teacher's own
// generateAccessToken (internal/handlers/auth_handlers.go), and the
// optional TOTP stage from internal/mfa.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"gorm.io/gorm"

	"rba-core/internal/apperr"
	"rba-core/internal/features"
	"rba-core/internal/geo"
	"rba-core/internal/historystore"
	"rba-core/internal/isolation"
	"rba-core/internal/mfa"
	"rba-core/internal/models"
	"rba-core/internal/otp"
	"rba-core/internal/risk"
	"rba-core/internal/useragent"
)

// State is one of AuthSession's five states.
type State int

const (
	Anonymous State = iota
	AwaitOtp
	AwaitOtpThenKba
	AwaitKba
	Verified
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case AwaitOtp:
		return "await_otp"
	case AwaitOtpThenKba:
		return "await_otp_then_kba"
	case AwaitKba:
		return "await_kba"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

// VerificationType mirrors spec.md §3's AuthSession.verificationType.
type VerificationType string

const (
	VerificationNone   VerificationType = "none"
	VerificationOtp    VerificationType = "otp"
	VerificationOtpKba VerificationType = "otp_kba"
)

// Session is the ephemeral, in-memory AuthSession from spec.md §3.
type Session struct {
	SessionID        string
	UserID           uuid.UUID
	Email            string
	IP               string
	Tier             models.RiskTier
	State            State
	VerificationType VerificationType
	CreatedAt        time.Time
	LastSeenAt       time.Time
}

const idleTimeout = 30 * time.Minute

// sessionStore holds every live Session, keyed by sessionID. A single mutex
// guarding the whole map is the exclusive-write-per-sessionId guarantee
// §5 asks for; the teacher's own SessionService takes the same
// whole-table-lock-via-DB-row approach, just backed by SQL instead of a map.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*Session)}
}

func (s *sessionStore) put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = sess
}

func (s *sessionStore) get(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

func (s *sessionStore) delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Config bundles the tunables AuthCoordinator needs beyond its collaborators.
type Config struct {
	JWTSecret         string
	SessionTTLMinutes int
	Pairwise          features.PairwiseMode
}

// Coordinator wires every collaborator spec.md's data flow names:
// Credentials → HistoryStore.Recent + GeoResolver → FeatureEngine →
// {IsolationScorer, RuleScorer} → RiskCombiner → AuthCoordinator →
// (OtpService?) → Verified.
type Coordinator struct {
	db       *gorm.DB
	history  *historystore.Store
	resolver geo.Resolver
	engine   *features.Engine
	scorer   *isolation.Scorer
	combiner *risk.Combiner
	otpSvc   *otp.Service
	mfaSvc   *mfa.Service
	sessions *sessionStore
	cfg      Config
	caser    cases.Caser
}

func New(
	db *gorm.DB,
	history *historystore.Store,
	resolver geo.Resolver,
	engine *features.Engine,
	scorer *isolation.Scorer,
	combiner *risk.Combiner,
	otpSvc *otp.Service,
	mfaSvc *mfa.Service,
	cfg Config,
) *Coordinator {
	return &Coordinator{
		db:       db,
		history:  history,
		resolver: resolver,
		engine:   engine,
		scorer:   scorer,
		combiner: combiner,
		otpSvc:   otpSvc,
		mfaSvc:   mfaSvc,
		sessions: newSessionStore(),
		cfg:      cfg,
		caser:    cases.Fold(),
	}
}

// LoginResult is what Login reports back to the HTTP layer.
type LoginResult struct {
	Session *Session
	Token   string
}

// Login authenticates username/password, scores the attempt, and routes it
// through the state machine in SPEC_FULL.md §4.6's table.
func (c *Coordinator) Login(ctx context.Context, username, password, ip, rawUserAgent string) (*LoginResult, error) {
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var user models.User
	err := c.db.WithContext(dbCtx).Where("username = ?", username).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperr.New(apperr.KindAuthFailed, "invalid username or password")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "could not load user", err)
	}

	ua := useragent.Parse(rawUserAgent)

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		c.recordFailedAttempt(ctx, user.ID, ip, rawUserAgent, ua)
		return nil, apperr.New(apperr.KindAuthFailed, "invalid username or password")
	}

	now := time.Now().UTC()
	// §5 ordering: read the history snapshot strictly before now, with a
	// 5s margin so F6 never observes this attempt's own future write.
	snapshotBound := now.Add(-5 * time.Second)

	geoInfo, err := c.lookupGeo(ctx, ip)
	if err != nil {
		return nil, err
	}

	vector, err := c.computeVector(ctx, user.ID, now, snapshotBound, ua, geoInfo)
	if err != nil {
		return nil, err
	}

	ifScore := c.scorer.Score(vector)
	result := c.combiner.Combine(ifScore, vector)

	attempt := &models.LoginAttempt{
		UserID:        user.ID,
		Timestamp:     now,
		IP:            ip,
		UserAgent:     rawUserAgent,
		Browser:       ua.Browser,
		OS:            ua.OS,
		DeviceType:    ua.DeviceType,
		Success:       true,
		RiskScore:     result.CombinedScore,
		RiskTier:      result.Tier,
		ASN:           geoInfo.ASN,
		Region:        geoInfo.Region,
		IFScore:       result.IFScore,
		RuleScore:     result.RuleScore,
		CombinedScore: result.CombinedScore,
	}
	if err := c.history.Append(ctx, attempt); err != nil {
		return nil, err
	}

	sess := &Session{
		SessionID:  uuid.New().String(),
		UserID:     user.ID,
		Email:      user.Email,
		IP:         ip,
		Tier:       result.Tier,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	switch result.Tier {
	case models.RiskTierLow:
		sess.State = Verified
		sess.VerificationType = VerificationNone
	case models.RiskTierMedium:
		sess.State = AwaitOtp
		sess.VerificationType = VerificationOtp
		if _, _, err := c.otpSvc.Issue(ctx, user.ID, user.Email, ip, sess.SessionID); err != nil {
			return nil, err
		}
	default:
		sess.State = AwaitOtpThenKba
		sess.VerificationType = VerificationOtpKba
		if _, _, err := c.otpSvc.Issue(ctx, user.ID, user.Email, ip, sess.SessionID); err != nil {
			return nil, err
		}
	}

	c.sessions.put(sess)

	token, err := c.issueToken(sess)
	if err != nil {
		return nil, err
	}

	return &LoginResult{Session: sess, Token: token}, nil
}

func (c *Coordinator) recordFailedAttempt(ctx context.Context, userID uuid.UUID, ip, rawUserAgent string, ua useragent.Info) {
	result := risk.FailedAttemptResult()
	attempt := &models.LoginAttempt{
		UserID:        userID,
		Timestamp:     time.Now().UTC(),
		IP:            ip,
		UserAgent:     rawUserAgent,
		Browser:       ua.Browser,
		OS:            ua.OS,
		DeviceType:    ua.DeviceType,
		Success:       false,
		RiskScore:     result.CombinedScore,
		RiskTier:      result.Tier,
		IFScore:       result.IFScore,
		RuleScore:     result.RuleScore,
		CombinedScore: result.CombinedScore,
	}
	// Best-effort: a failed-attempt log write must never itself fail the
	// (already-failing) login response back to the user.
	_ = c.history.Append(ctx, attempt)
}

func (c *Coordinator) lookupGeo(ctx context.Context, ip string) (geo.Info, error) {
	geoCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	info, err := c.resolver.Lookup(geoCtx, ip)
	if err != nil {
		return geo.Unknown, nil
	}
	return info, nil
}

func (c *Coordinator) computeVector(ctx context.Context, userID uuid.UUID, now, snapshotBound time.Time, ua useragent.Info, geoInfo geo.Info) (features.Vector, error) {
	histCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	successHistory, err := c.history.RecentSuccessful(histCtx, userID, snapshotBound, 50)
	if err != nil {
		return features.Vector{}, err
	}
	allHistory, err := c.history.RecentAll(histCtx, userID, snapshotBound, 50)
	if err != nil {
		return features.Vector{}, err
	}
	todayStart := now.Truncate(24 * time.Hour)
	// D excludes today: the last 30 days strictly before today's start.
	dailyCounts, err := c.history.CountSuccessfulByDay(histCtx, userID, 30, todayStart)
	if err != nil {
		return features.Vector{}, err
	}
	todayCounts, err := c.history.CountSuccessfulByDay(histCtx, userID, 0, now)
	if err != nil {
		return features.Vector{}, err
	}
	todayCount := todayCounts[todayStart.Format("2006-01-02")]

	in := features.Input{
		Now: now,
		Current: features.CurrentAttempt{
			Timestamp:  now,
			Browser:    ua.Browser,
			OS:         ua.OS,
			DeviceType: ua.DeviceType,
			ASN:        geoInfo.ASN,
			Region:     geoInfo.Region,
		},
		SuccessHistory: successHistory,
		AllHistory:     allHistory,
		DailyCounts:    dailyCounts,
		TodayCount:     todayCount,
	}
	return c.engine.Compute(in, c.cfg.Pairwise), nil
}

// StageResult reports the outcome of an OTP or KBA verification step.
type StageResult struct {
	Session *Session
	Done    bool // true once the session reached Verified
}

// VerifyOtpStage advances AwaitOtp or AwaitOtpThenKba on a correct code. If
// the user has an enabled TOTP enrollment, a valid TOTP code or unused
// backup code is accepted in place of the mailed OTP (SPEC_FULL.md §4.6).
func (c *Coordinator) VerifyOtpStage(ctx context.Context, sessionID, code string) (*StageResult, error) {
	sess, err := c.touch(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != AwaitOtp && sess.State != AwaitOtpThenKba {
		return nil, apperr.New(apperr.KindInvalidInput, "session is not awaiting a one-time code")
	}

	if c.mfaSvc != nil {
		enabled, err := c.mfaSvc.HasEnabled(sess.UserID)
		if err != nil {
			return nil, err
		}
		if enabled {
			ok, err := c.mfaSvc.VerifyLogin(sess.UserID, code)
			if err != nil {
				return nil, err
			}
			if ok {
				return c.advanceOtp(sess)
			}
		}
	}

	outcome, remaining, err := c.otpSvc.Verify(ctx, sess.UserID, sess.SessionID, code)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case otp.Valid:
		return c.advanceOtp(sess)
	case otp.Invalid:
		return nil, apperr.WithMeta(apperr.KindOtpInvalid, "incorrect code", map[string]any{"remainingAttempts": remaining})
	case otp.Expired:
		return nil, apperr.New(apperr.KindOtpExpired, "code has expired")
	case otp.Exhausted:
		return nil, apperr.New(apperr.KindOtpExhausted, "too many incorrect attempts")
	default:
		return nil, apperr.New(apperr.KindOtpNotFound, "no active code for this session")
	}
}

func (c *Coordinator) advanceOtp(sess *Session) (*StageResult, error) {
	if sess.State == AwaitOtp {
		sess.State = Verified
		c.sessions.put(sess)
		return &StageResult{Session: sess, Done: true}, nil
	}
	sess.State = AwaitKba
	c.sessions.put(sess)
	return &StageResult{Session: sess, Done: false}, nil
}

// VerifyKbaStage advances AwaitKba → Verified on a matching answer,
// comparing lower(trim(answer)) to the user's stored lower(trim(answer))
// per spec.md §9's canonical normalization rule.
func (c *Coordinator) VerifyKbaStage(ctx context.Context, sessionID, answer string) (*StageResult, error) {
	sess, err := c.touch(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != AwaitKba {
		return nil, apperr.New(apperr.KindInvalidInput, "session is not awaiting a knowledge-based answer")
	}

	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var user models.User
	if err := c.db.WithContext(dbCtx).Where("id = ?", sess.UserID).First(&user).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "could not load user", err)
	}

	if normalizeAnswer(c.caser, answer) != user.KBAAnswerNorm {
		return nil, apperr.New(apperr.KindAuthFailed, "incorrect answer")
	}

	sess.State = Verified
	c.sessions.put(sess)
	return &StageResult{Session: sess, Done: true}, nil
}

// NormalizeKBAAnswer is exported so registration can store
// lower(trim(answer)) the same way VerifyKbaStage compares it.
func NormalizeKBAAnswer(answer string) string {
	return normalizeAnswer(cases.Fold(), answer)
}

func normalizeAnswer(caser cases.Caser, answer string) string {
	return caser.String(trimSpace(answer))
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// ResendOtp re-issues a code for sess's session, superseding the prior one.
func (c *Coordinator) ResendOtp(ctx context.Context, sessionID string) error {
	sess, err := c.touch(sessionID)
	if err != nil {
		return err
	}
	if sess.State != AwaitOtp && sess.State != AwaitOtpThenKba {
		return apperr.New(apperr.KindInvalidInput, "session is not awaiting a one-time code")
	}
	_, _, err = c.otpSvc.Issue(ctx, sess.UserID, sess.Email, sess.IP, sess.SessionID)
	return err
}

// OtpStatus reports the active code's state for sessionID.
func (c *Coordinator) OtpStatus(ctx context.Context, sessionID string) (otp.Status, error) {
	sess, err := c.touch(sessionID)
	if err != nil {
		return otp.Status{}, err
	}
	return c.otpSvc.StatusFor(ctx, sess.UserID, sess.SessionID)
}

// Logout ends sessionID's session and invalidates the user's active codes.
func (c *Coordinator) Logout(ctx context.Context, sessionID string) error {
	sess, ok := c.sessions.get(sessionID)
	if !ok {
		return nil
	}
	c.sessions.delete(sessionID)
	return c.otpSvc.Invalidate(ctx, sess.UserID)
}

// touch loads sessionID, expiring it (§4.6: "any state, idle > 30 min →
// Anonymous") and invalidating the user's active codes if it has been idle
// too long, and otherwise refreshes LastSeenAt.
func (c *Coordinator) touch(sessionID string) (*Session, error) {
	sess, ok := c.sessions.get(sessionID)
	if !ok {
		return nil, apperr.New(apperr.KindAuthFailed, "session not found or expired")
	}
	if time.Since(sess.LastSeenAt) > idleTimeout {
		c.sessions.delete(sessionID)
		_ = c.otpSvc.Invalidate(context.Background(), sess.UserID)
		return nil, apperr.New(apperr.KindAuthFailed, "session expired")
	}
	sess.LastSeenAt = time.Now().UTC()
	c.sessions.put(sess)
	return sess, nil
}

// Session looks up a live session without touching its idle timer, for
// read-only status checks from middleware. A session idle past the timeout
// is reported as absent.
func (c *Coordinator) Session(sessionID string) (*Session, bool) {
	sess, ok := c.sessions.get(sessionID)
	if !ok || time.Since(sess.LastSeenAt) > idleTimeout {
		return nil, false
	}
	return sess, true
}

// issueToken signs a JWT carrying sess's identifying claims, the same
// jwt.MapClaims + HS256 shape as the teacher's generateAccessToken. The
// token is a transport only — ParseToken below checks just its signature
// and returns the session ID, which callers look up server-side before
// honoring it.
func (c *Coordinator) issueToken(sess *Session) (string, error) {
	ttl := time.Duration(c.cfg.SessionTTLMinutes) * time.Minute
	claims := jwt.MapClaims{
		"sid":  sess.SessionID,
		"sub":  sess.UserID.String(),
		"tier": int(sess.Tier),
		"typ":  string(sess.VerificationType),
		"exp":  time.Now().Add(ttl).Unix(),
		"iat":  time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.cfg.JWTSecret))
	if err != nil {
		return "", apperr.Wrap(apperr.KindFatal, "could not sign session token", err)
	}
	return signed, nil
}

// ParseToken validates a session cookie's signature and extracts the
// session ID. The caller must still look the session up server-side
// (Session/touch) before honoring it.
func (c *Coordinator) ParseToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(c.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", apperr.New(apperr.KindAuthFailed, "invalid session token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperr.New(apperr.KindAuthFailed, "invalid session token")
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return "", apperr.New(apperr.KindAuthFailed, "invalid session token")
	}
	return sid, nil
}
