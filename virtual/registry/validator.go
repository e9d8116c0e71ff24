package registry

import (
	"context"
	"fmt"
	"strings"
)

// validator wraps a Registry and ensures that all the arguments to it are
// validated properly. This helps us ensure that validation occurs uniformly
// across all registry implementations.
type validator struct {
	// Don't embed so we know we've overrided every method in the interface
	// explicitly.
	r Registry
}

// NewValidatedRegistry wraps the provided Registry r such that it validates
// inputs before delegating calls. This makes it easier to write new registry
// implementations without making all of them re-implement the validation
// logic.
func NewValidatedRegistry(r Registry) Registry {
	return &validator{
		r: r,
	}
}

func (v *validator) EnsureActivation(
	ctx context.Context,
	req EnsureActivationRequest,
) (EnsureActivationResult, error) {
	if err := req.Identity.Validate(); err != nil {
		return EnsureActivationResult{}, fmt.Errorf("EnsureActivation: %w", err)
	}
	if err := validateString("grain type", req.Identity.Type); err != nil {
		return EnsureActivationResult{}, err
	}
	return v.r.EnsureActivation(ctx, req)
}

func (v *validator) GetVersionStamp(
	ctx context.Context,
) (int64, error) {
	return v.r.GetVersionStamp(ctx)
}

func (v *validator) Heartbeat(
	ctx context.Context,
	serverID string,
	state HeartbeatState,
) (HeartbeatResult, error) {
	if err := validateString("serverID", serverID); err != nil {
		return HeartbeatResult{}, err
	}
	if err := validateString("address", state.Address); err != nil {
		return HeartbeatResult{}, err
	}
	if state.NumActivatedActors < 0 {
		return HeartbeatResult{}, fmt.Errorf(
			"NumActivatedActors cannot be < 0, but was: %d", state.NumActivatedActors)
	}
	return v.r.Heartbeat(ctx, serverID, state)
}

func (v *validator) Close(ctx context.Context) error {
	return v.r.Close(ctx)
}

func (v *validator) UnsafeWipeAll() error {
	return v.r.UnsafeWipeAll()
}

func validateString(name, x string) error {
	if x == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if len(x) > 128 {
		return fmt.Errorf("%s cannot be > 128 bytes, but was: %d", name, len(x))
	}

	if len(strings.TrimSpace(x)) != len(x) {
		return fmt.Errorf("%s cannot contain leading or trailing whitespace, but was: %s", name, x)
	}

	return nil
}
