// Package system provides the wall clock.
package system

import (
	"time"

	"github.com/JakeFAU/insta-saver/internal/content"
)

// Clock implements content.Clock using time.Now in UTC.
type Clock struct{}

var _ content.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
