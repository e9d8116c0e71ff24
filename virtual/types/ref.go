package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ActorReference is a serializable, location-independent handle to a grain. It does not
// own an activation: resolving it may create a fresh one.
type ActorReference struct {
	Identity ActorIdentity `json:"identity"`
}

// NewActorReference creates an ActorReference.
func NewActorReference(grainType string, key PrimaryKey) (ActorReference, error) {
	id, err := NewActorIdentity(grainType, key)
	if err != nil {
		return ActorReference{}, fmt.Errorf("NewActorReference: %w", err)
	}
	return ActorReference{Identity: id}, nil
}

// NewActorReferenceFromJSON decodes and validates an ActorReference.
func NewActorReferenceFromJSON(data []byte) (ActorReference, error) {
	var ref ActorReference
	if err := json.Unmarshal(data, &ref); err != nil {
		return ActorReference{}, fmt.Errorf("error unmarshaling actor reference: %w", err)
	}
	if err := ref.Identity.Validate(); err != nil {
		return ActorReference{}, fmt.Errorf("invalid actor reference: %w", err)
	}
	return ref, nil
}

func (r ActorReference) String() string {
	return r.Identity.String()
}

// ActivationReference is an ActorReference that has been resolved by the registry to the
// server that currently owns (or should own) its activation.
type ActivationReference struct {
	Virtual  ActorReference    `json:"virtual"`
	Physical PhysicalReference `json:"physical"`
}

// PhysicalReference is the subset of ActivationReference that is used to actually find and
// communicate with the grain's activation.
type PhysicalReference struct {
	ServerID      string `json:"server_id"`
	ServerVersion int64  `json:"server_version"`
	Address       string `json:"address"`
}

// NewActivationReference creates an ActivationReference.
func NewActivationReference(
	serverID string,
	serverVersion int64,
	address string,
	ref ActorReference,
) (ActivationReference, error) {
	if serverID == "" {
		return ActivationReference{}, errors.New("serverID cannot be empty")
	}
	if address == "" {
		return ActivationReference{}, errors.New("address cannot be empty")
	}
	if err := ref.Identity.Validate(); err != nil {
		return ActivationReference{}, fmt.Errorf("NewActivationReference: %w", err)
	}

	return ActivationReference{
		Virtual: ref,
		Physical: PhysicalReference{
			ServerID:      serverID,
			ServerVersion: serverVersion,
			Address:       address,
		},
	}, nil
}
