// Package fault defines the failure classes a build run can end with.
//
// Every stage wraps its error with exactly one of the sentinels below, so the
// entry point can tell a missing network from a dead SSH session with
// errors.Is instead of parsing log text.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrConfig     = fmt.Errorf("invalid configuration")
	ErrResolution = fmt.Errorf("required network resources not found")
	ErrProvider   = fmt.Errorf("cloud provider call failed")
	ErrSession    = fmt.Errorf("remote shell session failed")
	ErrCommand    = fmt.Errorf("remote command failed")
)

// Wrap tags err with class. A nil err stays nil, and an err already tagged
// with any class is returned untouched.
func Wrap(class, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != "" {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}

// Kind returns a short name for the class of err, or "" if err carries none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrResolution):
		return "resolution"
	case errors.Is(err, ErrProvider):
		return "provider"
	case errors.Is(err, ErrSession):
		return "session"
	case errors.Is(err, ErrCommand):
		return "command"
	}
	return ""
}
