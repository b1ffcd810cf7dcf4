// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrCampaignAlreadySending = errors.New("campaign is already sending")
	ErrCampaignNotSending     = errors.New("campaign is not sending")
	ErrInvalidInput           = errors.New("invalid input")
)

// ErrCampaignNotFound is returned when no campaign has the given ID
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrRecipientNotFound is looked up either by row ID or by provider message ID.
type ErrRecipientNotFound struct {
	RecipientID       int
	ProviderMessageID string
}

func (e *ErrRecipientNotFound) Error() string {
	if e.ProviderMessageID == "" {
		return fmt.Sprintf("recipient with ID %d not found", e.RecipientID)
	}
	return fmt.Sprintf("recipient with provider message ID %q not found", e.ProviderMessageID)
}

func NewRecipientNotFound(providerMessageID string) error {
	return &ErrRecipientNotFound{ProviderMessageID: providerMessageID}
}

func NewRecipientIDNotFound(id int) error {
	return &ErrRecipientNotFound{RecipientID: id}
}

type ErrWebhookNotFound struct {
	WebhookID int
}

func (e *ErrWebhookNotFound) Error() string {
	return fmt.Sprintf("webhook with ID %d not found", e.WebhookID)
}

func NewWebhookNotFound(id int) error {
	return &ErrWebhookNotFound{WebhookID: id}
}

// ErrInvalidTransition reports a status change the state machine forbids.
type ErrInvalidTransition struct {
	Entity string
	From   string
	To     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func NewInvalidTransition(entity, from, to string) error {
	return &ErrInvalidTransition{Entity: entity, From: from, To: to}
}

// ErrTemplateRender is a permanent, per-recipient rendering failure.
type ErrTemplateRender struct {
	Placeholder string
	Reason      string
}

func (e *ErrTemplateRender) Error() string {
	if e.Placeholder == "" {
		return "template render failed: " + e.Reason
	}
	return fmt.Sprintf("template render failed: {%s} %s", e.Placeholder, e.Reason)
}

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var r *ErrRecipientNotFound
	var w *ErrWebhookNotFound
	return errors.As(err, &c) || errors.As(err, &r) || errors.As(err, &w)
}
