package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by all components.
var (
	// ErrTransientExternal marks a collaborator failure that survived bounded retries.
	ErrTransientExternal = errors.New("transient external error")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrDataIntegrity marks a rejected write (duplicate id, corrupt ledger key).
	ErrDataIntegrity = errors.New("data integrity error")
	// ErrRemediationFailed is terminal for the restart path of one cycle.
	ErrRemediationFailed = errors.New("remediation failed")
	// ErrAnalysisFailed is terminal for the code-fix path of one cycle.
	ErrAnalysisFailed = errors.New("analysis failed")
)

// Lookup and scheduling errors.
var (
	ErrIncidentNotFound  = errors.New("incident not found")
	ErrDuplicateIncident = fmt.Errorf("%w: duplicate incident id", ErrDataIntegrity)
	ErrNoData            = errors.New("no data")
	ErrWorkloadBusy      = errors.New("workload cycle already in progress")
)
