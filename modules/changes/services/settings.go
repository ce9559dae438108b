package services

// GovernanceSettings is the immutable configuration handed to the workflow
// and approval services at construction. Mutating process-wide state at
// runtime is deliberately unsupported.
type GovernanceSettings struct {
	// CabQuorum is the minimum distinct ballot count for standard changes.
	CabQuorum int
	// EmergencyCabQuorum applies when change_type is emergency.
	EmergencyCabQuorum int
	// AllowVoteChanges lets a voter replace their earlier ballot in place.
	AllowVoteChanges bool
	// BypassReasonMinLen is the minimum length of a mandatory bypass reason.
	BypassReasonMinLen int
	// AutoPopulateCab opens the pending CAB stage record as soon as routing
	// decides the change needs board review.
	AutoPopulateCab bool
}

func DefaultGovernanceSettings() GovernanceSettings {
	return GovernanceSettings{
		CabQuorum:          3,
		EmergencyCabQuorum: 1,
		AllowVoteChanges:   false,
		BypassReasonMinLen: 10,
		AutoPopulateCab:    true,
	}
}

// normalize fills zero values with defaults so a partially populated struct
// cannot disable quorum entirely by accident.
func (s GovernanceSettings) normalize() GovernanceSettings {
	defaults := DefaultGovernanceSettings()
	if s.CabQuorum <= 0 {
		s.CabQuorum = defaults.CabQuorum
	}
	if s.EmergencyCabQuorum <= 0 {
		s.EmergencyCabQuorum = defaults.EmergencyCabQuorum
	}
	if s.BypassReasonMinLen <= 0 {
		s.BypassReasonMinLen = defaults.BypassReasonMinLen
	}
	return s
}
