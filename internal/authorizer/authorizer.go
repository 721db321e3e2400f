// Package authorizer implements the callsign allow/deny decision
// procedure consulted by the handshake after password verification.
package authorizer

import "regexp"

// Logger is the logging surface passed to New, satisfied by
// *logger.Logger. Allowed never logs, since a compiled pattern cannot
// fail to match.
type Logger interface {
	Warn(format string, v ...any)
}

// Authorizer decides whether a callsign may use the proxy based on two
// optional compiled patterns: deny takes precedence over allow, and the
// absence of an allow pattern means "allow by default unless denied".
type Authorizer struct {
	allowed *regexp.Regexp
	denied  *regexp.Regexp
	log     Logger
}

// New compiles the allow/deny patterns (either may be empty, meaning
// "not configured") and returns an Authorizer, or a compile error. A
// compile error is fatal at Open per spec.
func New(allowPattern, denyPattern string, log Logger) (*Authorizer, error) {
	a := &Authorizer{log: log}
	var err error
	if allowPattern != "" {
		a.allowed, err = regexp.Compile(allowPattern)
		if err != nil {
			return nil, err
		}
	}
	if denyPattern != "" {
		a.denied, err = regexp.Compile(denyPattern)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Allowed evaluates the decision procedure for a callsign:
//  1. a deny pattern that matches -> deny
//  2. an allow pattern that does not match -> deny
//  3. otherwise -> allow
//
// Go's regexp.MatchString cannot itself fail once a pattern has
// compiled, so the §4.2 "match error logged at WARN and treated as
// deny" path can only be exercised at Open/compile time in this
// implementation; see DESIGN.md for this Open Question resolution.
func (a *Authorizer) Allowed(callsign string) bool {
	if a.denied != nil && a.denied.MatchString(callsign) {
		return false
	}
	if a.allowed != nil && !a.allowed.MatchString(callsign) {
		return false
	}
	return true
}
