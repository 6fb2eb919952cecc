// Package auth issues and validates operator session tokens.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "promosched/pkg/logx"
)

var (
	ErrInvalidCredentials = errors.New("Usuário ou senha inválidos")
	ErrUnauthorized       = errors.New("token inválido ou expirado")
	ErrNotConfigured      = errors.New("auth credentials not configured")
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultCleanupSpec = "@every 1h"
)

type Config struct {
	Username    string
	Password    string
	TokenTTL    time.Duration
	CleanupSpec string
}

type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"-"`
}

// ExpiresAtMillis is the expiry as unix milliseconds.
func (s Session) ExpiresAtMillis() int64 { return s.ExpiresAt.UnixMilli() }

// Service keeps sessions in memory; a restart logs everyone out.
type Service struct {
	log logx.Logger
	now func() time.Time

	mu       sync.Mutex
	username string
	password string
	ttl      time.Duration
	spec     string
	sessions map[string]Session

	cron    *cron.Cron
	entryID cron.EntryID
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log.With(logx.String("comp", "auth")),
		now:      time.Now,
		sessions: map[string]Session{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps credentials, TTL and cleanup schedule. Existing sessions stay
// valid until they expire.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = strings.TrimSpace(cfg.Username)
	s.password = cfg.Password
	s.ttl = cfg.TokenTTL
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	spec := strings.TrimSpace(cfg.CleanupSpec)
	if spec == "" {
		spec = DefaultCleanupSpec
	}
	if spec != s.spec && s.cron != nil {
		s.rescheduleLocked(spec)
	}
	s.spec = spec
}

// SetCredentials replaces the accepted username and password.
func (s *Service) SetCredentials(username, password string) {
	s.mu.Lock()
	s.username = strings.TrimSpace(username)
	s.password = password
	s.mu.Unlock()
}

func (s *Service) Login(username, password string) (Session, error) {
	s.mu.Lock()
	wantUser, wantPass, ttl := s.username, s.password, s.ttl
	s.mu.Unlock()

	if wantUser == "" || wantPass == "" {
		return Session{}, ErrNotConfigured
	}
	userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(username)), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(wantPass)) == 1
	if !userOK || !passOK {
		s.log.Warn("login rejected", logx.String("username", username))
		return Session{}, ErrInvalidCredentials
	}

	tok, err := newToken()
	if err != nil {
		return Session{}, err
	}
	sess := Session{Token: tok, Username: wantUser, ExpiresAt: s.now().Add(ttl)}
	s.mu.Lock()
	s.sessions[tok] = sess
	s.mu.Unlock()

	s.log.Info("login", logx.String("username", wantUser), logx.Duration("ttl", ttl))
	return sess, nil
}

// Validate reports whether token names a live session. An expired token is
// removed.
func (s *Service) Validate(token string) bool {
	_, err := s.Session(token)
	return err == nil
}

func (s *Service) Session(token string) (Session, error) {
	if token == "" {
		return Session{}, ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrUnauthorized
	}
	if s.now().After(sess.ExpiresAt) {
		delete(s.sessions, token)
		s.log.Debug("token expired")
		return Session{}, ErrUnauthorized
	}
	return sess, nil
}

// User returns the username of a live session, or "".
func (s *Service) User(token string) string {
	sess, err := s.Session(token)
	if err != nil {
		return ""
	}
	return sess.Username
}

func (s *Service) Logout(token string) {
	s.mu.Lock()
	_, ok := s.sessions[token]
	delete(s.sessions, token)
	s.mu.Unlock()
	if ok {
		s.log.Info("logout")
	}
}

// Cleanup drops expired sessions and returns how many were removed.
func (s *Service) Cleanup() int {
	now := s.now()
	s.mu.Lock()
	n := 0
	for tok, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, tok)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.log.Info("expired sessions removed", logx.Int("count", n))
	}
	return n
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Start runs the cleanup janitor on the configured cron spec.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	s.cron = cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
	id, err := s.cron.AddFunc(s.spec, func() { s.Cleanup() })
	if err != nil {
		s.cron = nil
		return err
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

func (s *Service) rescheduleLocked(spec string) {
	s.cron.Remove(s.entryID)
	id, err := s.cron.AddFunc(spec, func() { s.Cleanup() })
	if err != nil {
		s.log.Error("invalid cleanup spec; janitor disabled", logx.String("spec", spec), logx.Err(err))
		return
	}
	s.entryID = id
}

// Stop halts the janitor, waiting for a running cleanup.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
