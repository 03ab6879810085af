package ports

import "context"

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishLogout(ctx context.Context, address string, tokenID string) error
	PublishCredentialRegistered(ctx context.Context, address, credentialID string, method string) error
	PublishCredentialDeleted(ctx context.Context, address, credentialID string) error
	PublishCredentialLinked(ctx context.Context, address, credentialID, previousAddress string) error
}
