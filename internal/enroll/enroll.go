// Package enroll coordinates adding a new face to the gallery. An operator
// first authorizes the request and gets a token, the pipeline then captures
// the next face seen, and the operator confirms it under a full name.
package enroll

import (
	"context"
	"strings"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrEnrollmentDenied = errors.New("not authorized to add faces")
	ErrInvalidName      = errors.New("provide a full name (at least two words)")
	ErrUnknownToken     = errors.New("unknown or expired enrollment token")
	ErrNotReady         = errors.New("no face captured yet")
)

// Token identifies one authorized enrollment request.
type Token = uuid.UUID

// Registrar persists a confirmed face.
type Registrar interface {
	Register(ctx context.Context, label string, e *types.Enrollment) error
}

// Status is a snapshot of an enrollment request.
type Status struct {
	Token    Token
	Pending  bool
	Captured *types.Recognition
}

// Controller holds at most one enrollment request at a time. A new request
// replaces the previous one.
type Controller struct {
	registrar Registrar

	mu         sync.Mutex
	token      Token
	pending    bool
	captured   *types.Recognition
	confirming bool
}

func NewController(r Registrar) *Controller {
	return &Controller{registrar: r}
}

// RequestEnrollment is called after the operator was authorized. It arms the
// pipeline to attach enrollment payloads to the next batches.
func (c *Controller) RequestEnrollment() Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending {
		log.WithField("token", c.token).Info("enrollment request superseded")
	}
	c.token = uuid.New()
	c.pending = true
	c.captured = nil
	c.confirming = false
	log.WithField("token", c.token).Info("enrollment requested")
	return c.token
}

// Authorize handles the outcome of an authorization prompt. Success arms a
// new request; failure or cancellation returns ErrEnrollmentDenied.
func (c *Controller) Authorize(ok bool) (Token, error) {
	if !ok {
		return uuid.Nil, c.Deny()
	}
	return c.RequestEnrollment(), nil
}

// Deny records a failed or cancelled authorization and drops any request
// that was still open.
func (c *Controller) Deny() error {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()

	log.Warn("enrollment authorization denied")
	return ErrEnrollmentDenied
}

// Pending reports whether the pipeline should collect enrollment data.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Offer hands a recognition carrying an enrollment payload to the
// controller. The first offer after a request is kept; later ones are
// ignored until the request is confirmed or cancelled.
func (c *Controller) Offer(rec types.Recognition) bool {
	if rec.Enrollment == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending || c.captured != nil {
		return false
	}
	c.captured = &rec
	log.WithField("token", c.token).Info("face captured for enrollment")
	return true
}

// Status returns the state of the request identified by token.
func (c *Controller) Status(token Token) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(token); err != nil {
		return Status{}, err
	}
	return Status{Token: c.token, Pending: c.pending, Captured: c.captured}, nil
}

// Confirm registers the captured face under name and closes the request.
// An invalid name or a failed registration leaves the request open so the
// operator can retry. Only one confirmation runs per token; concurrent
// attempts get ErrUnknownToken.
func (c *Controller) Confirm(ctx context.Context, token Token, name string) (string, error) {
	c.mu.Lock()
	if err := c.check(token); err != nil || c.confirming {
		c.mu.Unlock()
		return "", ErrUnknownToken
	}
	name, err := ValidateName(name)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	captured := c.captured
	if captured == nil {
		c.mu.Unlock()
		return "", ErrNotReady
	}
	c.confirming = true
	c.mu.Unlock()

	regErr := c.registrar.Register(ctx, name, captured.Enrollment)

	c.mu.Lock()
	defer c.mu.Unlock()
	// The request may have been replaced or cancelled in the meantime.
	if c.token == token {
		if regErr != nil {
			c.confirming = false
		} else {
			c.reset()
		}
	}
	if regErr != nil {
		return "", errors.Wrap(regErr, "registration failed")
	}
	return name, nil
}

// Cancel abandons the request identified by token.
func (c *Controller) Cancel(token Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(token); err != nil {
		return err
	}
	log.WithField("token", token).Info("enrollment cancelled")
	c.reset()
	return nil
}

func (c *Controller) check(token Token) error {
	if !c.pending || token == uuid.Nil || token != c.token {
		return ErrUnknownToken
	}
	return nil
}

func (c *Controller) reset() {
	c.token = uuid.Nil
	c.pending = false
	c.captured = nil
	c.confirming = false
}

// ValidateName accepts names of at least two whitespace separated words and
// returns them joined by single spaces.
func ValidateName(name string) (string, error) {
	words := strings.Fields(name)
	if len(words) < 2 {
		return "", ErrInvalidName
	}
	return strings.Join(words, " "), nil
}
