// Package ufanet provides a public facade re-exporting core types
// for external consumers of this module, plus a Service that wires the
// client, token store and poll coordinator together.
package ufanet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trymwestin/ufanet/internal/core/api"
	"github.com/trymwestin/ufanet/internal/core/auth"
	"github.com/trymwestin/ufanet/internal/core/coordinator"
	"github.com/trymwestin/ufanet/internal/core/state"
	"github.com/trymwestin/ufanet/internal/core/transport"
	"github.com/trymwestin/ufanet/internal/metrics"
)

// Re-export core types for external use.
type (
	// Credential is the contract number and password.
	Credential = auth.Credential
	// Token holds the session credentials.
	Token = auth.Token
	// AuthError is returned when the backend rejects the credentials.
	AuthError = auth.AuthError
	// APIError is a classified backend failure.
	APIError = transport.APIError
	// ErrorKind classifies failures.
	ErrorKind = transport.ErrorKind
	// Intercom is a remotely openable door.
	Intercom = api.Intercom
	// Camera is a CCTV feed.
	Camera = api.Camera
	// Contract is the account record.
	Contract = api.Contract
	// Snapshot is the merged result of one poll cycle.
	Snapshot = state.Snapshot
	// Resource identifies a polled collection.
	Resource = state.Resource
	// ResourceError records a per-resource fetch failure.
	ResourceError = state.ResourceError
	// Event represents a published snapshot or door action.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Phase is the coordinator's position in its cycle.
	Phase = coordinator.Phase
)

// Error kinds.
const (
	KindUnauthorized      = transport.KindUnauthorized
	KindTimeout           = transport.KindTimeout
	KindConnectionFailed  = transport.KindConnectionFailed
	KindMalformedResponse = transport.KindMalformedResponse
	KindUnexpected        = transport.KindUnexpected
)

// Resources.
const (
	ResourceIntercoms = state.ResourceIntercoms
	ResourceCameras   = state.ResourceCameras
	ResourceContract  = state.ResourceContract
)

// Event type constants.
const (
	EventSnapshotPublished = state.EventSnapshotPublished
	EventDoorOpened        = state.EventDoorOpened
	EventDoorFailed        = state.EventDoorFailed
)

// KindOf extracts the ErrorKind from err.
func KindOf(err error) (ErrorKind, bool) { return transport.KindOf(err) }

// IsRejected reports whether err means the credentials were rejected.
func IsRejected(err error) bool { return auth.IsRejected(err) }

// Options configures a Service.
type Options struct {
	APIBase        string
	Contract       string
	Password       string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	TokenSkew      time.Duration
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Service is a fully wired client: token store, authenticated client,
// snapshot store, event bus and poll coordinator.
type Service struct {
	Tokens      *auth.TokenStore
	Client      *api.Client
	Bus         *state.EventBus
	Snapshots   *state.SnapshotStore
	Coordinator *coordinator.Coordinator
	Doors       *coordinator.Doors
}

// NewService wires a Service. Nothing touches the network until the first
// request or Coordinator.Start.
func NewService(opts Options, log *slog.Logger) (*Service, error) {
	tr, err := transport.NewClient(opts.APIBase, opts.RequestTimeout, nil, opts.Metrics, log.With("component", "transport"))
	if err != nil {
		return nil, fmt.Errorf("ufanet: %w", err)
	}

	tokens := auth.NewTokenStore(
		auth.NewCredential(opts.Contract, opts.Password),
		auth.NewHTTPAuthenticator(tr, log.With("component", "auth")),
		opts.Metrics,
		log.With("component", "auth"),
		auth.WithAuthTimeout(opts.RequestTimeout),
		auth.WithExpirySkew(opts.TokenSkew),
	)
	client := api.NewClient(tr, tokens, log.With("component", "api"))
	bus := state.NewEventBus(log.With("component", "bus"))
	snaps := state.NewSnapshotStore(bus, log.With("component", "state"))

	return &Service{
		Tokens:      tokens,
		Client:      client,
		Bus:         bus,
		Snapshots:   snaps,
		Coordinator: coordinator.New(client, snaps, opts.PollInterval, opts.Metrics, log.With("component", "coordinator")),
		Doors:       coordinator.NewDoors(client, bus, log.With("component", "doors")),
	}, nil
}

// CheckCredentials performs one authentication exchange through a throwaway
// token store. A rejection is reported as an *AuthError.
func CheckCredentials(ctx context.Context, apiBase, contract, password string, timeout time.Duration, log *slog.Logger) error {
	tr, err := transport.NewClient(apiBase, timeout, nil, nil, log)
	if err != nil {
		return fmt.Errorf("ufanet: %w", err)
	}
	store := auth.NewTokenStore(
		auth.NewCredential(contract, password),
		auth.NewHTTPAuthenticator(tr, log),
		nil,
		log,
		auth.WithAuthTimeout(timeout),
	)
	_, err = store.Refresh(ctx)
	return err
}
