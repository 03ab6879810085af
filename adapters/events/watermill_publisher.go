package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/passkey/ports"
)

const (
	TopicLogout               = "passkey.logout"
	TopicCredentialRegistered = "passkey.credential.registered"
	TopicCredentialDeleted    = "passkey.credential.deleted"
	TopicCredentialLinked     = "passkey.credential.linked"
)

// LogoutEvent represents a logout event
type LogoutEvent struct {
	Address string `json:"address"`
	TokenID string `json:"token_id"`
}

// CredentialEvent describes a change to a passkey binding
type CredentialEvent struct {
	Address         string    `json:"address"`
	CredentialID    string    `json:"credential_id"`
	Method          string    `json:"method,omitempty"`
	PreviousAddress string    `json:"previous_address,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	now       func() time.Time
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		now:       time.Now,
	}
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, address string, tokenID string) error {
	return p.publish(ctx, TopicLogout, LogoutEvent{
		Address: address,
		TokenID: tokenID,
	})
}

// PublishCredentialRegistered announces a newly bound passkey
func (p *WatermillPublisher) PublishCredentialRegistered(ctx context.Context, address, credentialID, method string) error {
	return p.publish(ctx, TopicCredentialRegistered, CredentialEvent{
		Address:      address,
		CredentialID: credentialID,
		Method:       method,
		OccurredAt:   p.now(),
	})
}

// PublishCredentialDeleted announces a removed passkey
func (p *WatermillPublisher) PublishCredentialDeleted(ctx context.Context, address, credentialID string) error {
	return p.publish(ctx, TopicCredentialDeleted, CredentialEvent{
		Address:      address,
		CredentialID: credentialID,
		OccurredAt:   p.now(),
	})
}

// PublishCredentialLinked announces a rescued passkey moved between accounts
func (p *WatermillPublisher) PublishCredentialLinked(ctx context.Context, address, credentialID, previousAddress string) error {
	return p.publish(ctx, TopicCredentialLinked, CredentialEvent{
		Address:         address,
		CredentialID:    credentialID,
		PreviousAddress: previousAddress,
		OccurredAt:      p.now(),
	})
}
