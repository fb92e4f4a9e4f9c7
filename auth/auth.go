// Package auth drives the QR-code login handshake against the passport
// service: issue a scannable challenge, poll its status on a fixed interval,
// and come away with a Credential for the live APIs. Timing runs through an
// injectable clock so the polling loop is testable without real delays.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultPassportBase is the production passport service.
const DefaultPassportBase = "https://passport.bilibili.com"

const (
	// DefaultPollInterval is the documented challenge poll cadence.
	DefaultPollInterval = 3 * time.Second
	// DefaultChallengeTTL caps how long a single challenge is polled before
	// it is considered expired locally, matching the server-side QR expiry.
	DefaultChallengeTTL = 180 * time.Second
	// DefaultCredentialTTL is the local validity window applied to a fresh
	// credential before a re-check is required.
	DefaultCredentialTTL = 6 * time.Hour
)

var (
	// ErrService wraps passport network/service failures.
	ErrService = errors.New("auth: passport service error")
	// ErrNoChallenge is returned when polling without an issued challenge.
	ErrNoChallenge = errors.New("auth: no active challenge")
	// ErrChallengeExpired is terminal for the current challenge; the caller
	// must issue a new one, never re-poll the same key.
	ErrChallengeExpired = errors.New("auth: challenge expired")
	// ErrRefreshFailed is terminal for the session.
	ErrRefreshFailed = errors.New("auth: credential refresh failed")
)

// Credential is the authenticated viewer session. Immutable once issued;
// a refresh produces a new value.
type Credential struct {
	UID          int64     `json:"dedeuserid"`
	SessData     string    `json:"sessdata"`
	BiliJCT      string    `json:"bili_jct"`
	RefreshToken string    `json:"ac_time_value"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the credential exists and has not passed its
// validity window.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.SessData != "" && now.Before(c.ExpiresAt)
}

// CookieHeader renders the credential as a Cookie header value.
func (c *Credential) CookieHeader() string {
	return fmt.Sprintf("SESSDATA=%s; bili_jct=%s; DedeUserID=%d", c.SessData, c.BiliJCT, c.UID)
}

// State of the login session.
type State int

const (
	StateIdle State = iota
	StateChallengeIssued
	StatePolling
	StateAuthenticated
	StateExpired
	StateRevoked
)

// Status of a single poll.
type Status int

const (
	StatusPending Status = iota
	StatusScanned
	StatusConfirmed
	StatusExpired
)

// Poll response codes from the passport service.
const (
	pollCodeConfirmed = 0
	pollCodePending   = 86101
	pollCodeScanned   = 86090
	pollCodeExpired   = 86038
)

// Challenge is an issued QR challenge. URL is the content to render as a QR
// code out-of-band; Key identifies the challenge when polling.
type Challenge struct {
	URL string
	Key string
}

// PollResult is the outcome of one poll. Credential is set only on
// StatusConfirmed.
type PollResult struct {
	Status     Status
	Credential *Credential
}

// Config holds session parameters. Zero values fall back to defaults.
type Config struct {
	BaseURL      string
	HTTPClient   *http.Client
	Clock        clockwork.Clock
	Logger       *slog.Logger
	PollInterval time.Duration
	ChallengeTTL time.Duration
}

// Session is a QR login session:
// Idle → ChallengeIssued → Polling → Authenticated, or Expired/Revoked.
type Session struct {
	base         string
	http         *http.Client
	clock        clockwork.Clock
	log          *slog.Logger
	pollInterval time.Duration
	challengeTTL time.Duration

	mu        sync.Mutex
	state     State
	challenge Challenge
	issuedAt  time.Time
	cred      *Credential
}

// NewSession creates an idle login session.
func NewSession(cfg Config) *Session {
	s := &Session{
		base:         cfg.BaseURL,
		http:         cfg.HTTPClient,
		clock:        cfg.Clock,
		log:          cfg.Logger,
		pollInterval: cfg.PollInterval,
		challengeTTL: cfg.ChallengeTTL,
	}
	if s.base == "" {
		s.base = DefaultPassportBase
	}
	if s.http == nil {
		s.http = &http.Client{Timeout: 15 * time.Second}
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.challengeTTL <= 0 {
		s.challengeTTL = DefaultChallengeTTL
	}
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Credential returns the confirmed credential, or nil before authentication.
func (s *Session) Credential() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Resume seeds the session with a previously persisted credential, skipping
// the QR handshake. The credential is not validated here; use Refresh or an
// API probe to confirm it still works.
func (s *Session) Resume(cred *Credential) {
	s.mu.Lock()
	s.cred = cred
	s.state = StateAuthenticated
	s.mu.Unlock()
}

type qrGenerateResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		URL       string `json:"url"`
		QRCodeKey string `json:"qrcode_key"`
	} `json:"data"`
}

// IssueChallenge requests a fresh login challenge. Any previous challenge is
// discarded.
func (s *Session) IssueChallenge(ctx context.Context) (Challenge, error) {
	var resp qrGenerateResponse
	if err := s.getJSON(ctx, "/x/passport-login/web/qrcode/generate", nil, &resp); err != nil {
		return Challenge{}, err
	}
	if resp.Code != 0 {
		return Challenge{}, fmt.Errorf("%w: generate code %d: %s", ErrService, resp.Code, resp.Message)
	}

	ch := Challenge{URL: resp.Data.URL, Key: resp.Data.QRCodeKey}

	s.mu.Lock()
	s.challenge = ch
	s.issuedAt = s.clock.Now()
	s.state = StateChallengeIssued
	s.mu.Unlock()

	s.log.Info("login challenge issued", "key", ch.Key)
	return ch, nil
}

type qrPollResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		URL          string `json:"url"`
		RefreshToken string `json:"refresh_token"`
		Code         int    `json:"code"`
		Message      string `json:"message"`
	} `json:"data"`
}

// PollOnce queries the status of the active challenge.
func (s *Session) PollOnce(ctx context.Context) (PollResult, error) {
	s.mu.Lock()
	key := s.challenge.Key
	issuedAt := s.issuedAt
	if s.state == StateChallengeIssued {
		s.state = StatePolling
	}
	s.mu.Unlock()

	if key == "" {
		return PollResult{}, ErrNoChallenge
	}
	if s.clock.Now().Sub(issuedAt) > s.challengeTTL {
		s.expire()
		return PollResult{Status: StatusExpired}, nil
	}

	var resp qrPollResponse
	q := url.Values{"qrcode_key": {key}}
	if err := s.getJSON(ctx, "/x/passport-login/web/qrcode/poll", q, &resp); err != nil {
		return PollResult{}, err
	}
	if resp.Code != 0 {
		return PollResult{}, fmt.Errorf("%w: poll code %d: %s", ErrService, resp.Code, resp.Message)
	}

	switch resp.Data.Code {
	case pollCodePending:
		return PollResult{Status: StatusPending}, nil
	case pollCodeScanned:
		return PollResult{Status: StatusScanned}, nil
	case pollCodeExpired:
		s.expire()
		return PollResult{Status: StatusExpired}, nil
	case pollCodeConfirmed:
		cred, err := credentialFromURL(resp.Data.URL, resp.Data.RefreshToken, s.clock.Now())
		if err != nil {
			return PollResult{}, fmt.Errorf("%w: %v", ErrService, err)
		}
		s.mu.Lock()
		s.cred = cred
		s.state = StateAuthenticated
		s.mu.Unlock()
		s.log.Info("login confirmed", "uid", cred.UID)
		return PollResult{Status: StatusConfirmed, Credential: cred}, nil
	default:
		return PollResult{}, fmt.Errorf("%w: unexpected poll status %d", ErrService, resp.Data.Code)
	}
}

// WaitConfirm polls the active challenge on the configured interval until it
// is confirmed, expires, or ctx is cancelled. Expiry is terminal for the
// challenge: the caller must issue a new one.
func (s *Session) WaitConfirm(ctx context.Context) (*Credential, error) {
	for {
		res, err := s.PollOnce(ctx)
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case StatusConfirmed:
			return res.Credential, nil
		case StatusExpired:
			return nil, ErrChallengeExpired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.pollInterval):
		}
	}
}

type refreshResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		RefreshToken string `json:"refresh_token"`
	} `json:"data"`
}

// Refresh exchanges the current credential for a fresh one using its refresh
// token. Failure is terminal: the session moves to Revoked and the caller is
// expected to start a new login, not retry.
func (s *Session) Refresh(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	cred := s.cred
	s.mu.Unlock()
	if cred == nil {
		return nil, ErrRefreshFailed
	}

	form := url.Values{
		"csrf":          {cred.BiliJCT},
		"refresh_token": {cred.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.base+"/x/passport-login/web/cookie/refresh", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cred.CookieHeader())

	httpResp, err := s.http.Do(req)
	if err != nil {
		s.revoke()
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer httpResp.Body.Close()

	var resp refreshResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		s.revoke()
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if resp.Code != 0 {
		s.revoke()
		return nil, fmt.Errorf("%w: refresh code %d: %s", ErrRefreshFailed, resp.Code, resp.Message)
	}

	next := &Credential{
		UID:          cred.UID,
		SessData:     cred.SessData,
		BiliJCT:      cred.BiliJCT,
		RefreshToken: resp.Data.RefreshToken,
		ExpiresAt:    s.clock.Now().Add(DefaultCredentialTTL),
	}
	// Refreshed cookies arrive as Set-Cookie headers.
	for _, c := range httpResp.Cookies() {
		switch c.Name {
		case "SESSDATA":
			next.SessData = c.Value
		case "bili_jct":
			next.BiliJCT = c.Value
		}
	}

	s.mu.Lock()
	s.cred = next
	s.state = StateAuthenticated
	s.mu.Unlock()

	s.log.Info("credential refreshed", "uid", next.UID, "expires_at", next.ExpiresAt)
	return next, nil
}

func (s *Session) expire() {
	s.mu.Lock()
	s.state = StateExpired
	s.challenge = Challenge{}
	s.mu.Unlock()
}

func (s *Session) revoke() {
	s.mu.Lock()
	s.state = StateRevoked
	s.mu.Unlock()
}

func (s *Session) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	u := s.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrService, err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: passport returned %d", ErrService, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrService, err)
	}
	return nil
}

// credentialFromURL extracts cookie fields from the confirmation URL's query
// (DedeUserID, SESSDATA, bili_jct).
func credentialFromURL(confirmURL, refreshToken string, now time.Time) (*Credential, error) {
	u, err := url.Parse(confirmURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()

	cred := &Credential{
		SessData:     q.Get("SESSDATA"),
		BiliJCT:      q.Get("bili_jct"),
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(DefaultCredentialTTL),
	}
	if cred.SessData == "" || cred.BiliJCT == "" {
		return nil, errors.New("confirmation url missing cookie fields")
	}
	if uid := q.Get("DedeUserID"); uid != "" {
		cred.UID, err = strconv.ParseInt(uid, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad DedeUserID: %v", err)
		}
	}
	return cred, nil
}
