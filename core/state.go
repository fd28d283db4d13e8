package core

import (
	"fmt"
	"time"
)

// Phase enumerates the session state machine positions.
type Phase int

const (
	PhaseUnauthenticated Phase = iota
	PhaseAwaitingMfa
	PhaseAuthenticated
	PhaseLoggingOut
)

func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAwaitingMfa:
		return "awaiting_mfa"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseLoggingOut:
		return "logging_out"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// SessionState is the observable session state. Challenge is set only in
// PhaseAwaitingMfa; Profile and Credential only in PhaseAuthenticated.
type SessionState struct {
	Phase      Phase
	Challenge  *MfaChallenge
	Profile    *UserProfile
	Credential *Credential
}

// Unauthenticated returns the initial state.
func Unauthenticated() SessionState {
	return SessionState{Phase: PhaseUnauthenticated}
}

// AwaitingMfa returns the state holding a pending challenge.
func AwaitingMfa(challenge MfaChallenge) SessionState {
	return SessionState{Phase: PhaseAwaitingMfa, Challenge: &challenge}
}

// Authenticated returns the state of an established session.
func Authenticated(profile UserProfile, cred Credential) SessionState {
	return SessionState{Phase: PhaseAuthenticated, Profile: &profile, Credential: &cred}
}

// LoggingOut returns the state held while a logout is being carried out.
func LoggingOut() SessionState {
	return SessionState{Phase: PhaseLoggingOut}
}

// IsAuthenticated reports whether the session can make authenticated calls.
func (s SessionState) IsAuthenticated() bool {
	return s.Phase == PhaseAuthenticated
}

// TransitionReason explains why the state changed.
type TransitionReason string

const (
	ReasonLogin            TransitionReason = "login"
	ReasonMfaRequired      TransitionReason = "mfa_required"
	ReasonMfaVerified      TransitionReason = "mfa_verified"
	ReasonMfaCancelled     TransitionReason = "mfa_cancelled"
	ReasonChallengeExpired TransitionReason = "challenge_expired"
	ReasonLogout           TransitionReason = "logout"
	ReasonSessionExpired   TransitionReason = "session_expired"
	ReasonProfileUpdated   TransitionReason = "profile_updated"
	ReasonResumed          TransitionReason = "resumed"
)

// Transition is delivered to subscribers on every state change.
type Transition struct {
	From   SessionState
	To     SessionState
	Reason TransitionReason
	At     time.Time
}
