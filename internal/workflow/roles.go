package workflow

import "doorline/internal/domain"

// Transition names. These appear in the workflow log and webhook
// payloads, so they are part of the external contract.
const (
	TransitionRegister           = "door.registered"
	TransitionInspectionStarted  = "inspection.started"
	TransitionCheckUpdated       = "inspection.check_updated"
	TransitionInspectionComplete = "inspection.completed"
	TransitionOpenedForReview    = "review.opened"
	TransitionCertified          = "door.certified"
	TransitionRejected           = "door.rejected"
	TransitionReleased           = "door.released"
	TransitionDownloaded         = "door.downloaded"
	TransitionClientRejected     = "door.client_rejected"
	TransitionCertDeleted        = "certificate.deleted"
)

// transitionRoles is the fixed gate: which role may drive which
// transition. There is no configurable policy layer.
var transitionRoles = map[string]string{
	TransitionRegister:           domain.RoleAdmin,
	TransitionInspectionStarted:  domain.RoleInspector,
	TransitionCheckUpdated:       domain.RoleInspector,
	TransitionInspectionComplete: domain.RoleInspector,
	TransitionOpenedForReview:    domain.RoleEngineer,
	TransitionCertified:          domain.RoleEngineer,
	TransitionRejected:           domain.RoleEngineer,
	TransitionReleased:           domain.RoleAdmin,
	TransitionDownloaded:         domain.RoleClient,
	TransitionClientRejected:     domain.RoleClient,
	TransitionCertDeleted:        domain.RoleAdmin,
}

// requireRole checks the actor's role against the transition gate.
func requireRole(actor domain.Actor, transition string) error {
	want, ok := transitionRoles[transition]
	if !ok {
		return Unauthorizedf("unknown transition %s", transition)
	}
	if actor.Role != want {
		return Unauthorizedf("transition %s requires role %s, actor %s has role %s",
			transition, want, actor.ID, actor.Role)
	}
	return nil
}
