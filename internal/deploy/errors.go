package deploy

import "errors"

var (
	// ErrDeploymentInProgress rejects a deploy or rollback while another
	// attempt holds the deployment slot.
	ErrDeploymentInProgress = errors.New("deploy: another deployment is in progress")

	// ErrNoPreviousVersion means rollback found no promoted version in the
	// registry's history to fall back to.
	ErrNoPreviousVersion = errors.New("deploy: no previous promoted version")

	// ErrVersionNotDeployable rejects deploying a snapshot whose stage is not
	// built.
	ErrVersionNotDeployable = errors.New("deploy: version is not in the built stage")

	// ErrNoActiveAttempt means cancel was called with nothing in flight.
	ErrNoActiveAttempt = errors.New("deploy: no active deployment attempt")
)
