package approval

// Summaries are recomputed from stored rows on every evaluation rather than
// maintained as incremental counters, so they cannot drift.

type ClientStageSummary struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

func SummarizeClientStage(approvals []*Approval) ClientStageSummary {
	s := ClientStageSummary{Total: len(approvals)}
	for _, a := range approvals {
		switch a.Status {
		case StatusApproved:
			s.Approved++
		case StatusRejected:
			s.Rejected++
		default:
			s.Pending++
		}
	}
	return s
}

// Resolved reports whether every row has left pending.
func (s ClientStageSummary) Resolved() bool {
	return s.Total > 0 && s.Pending == 0
}

// Outcome applies the single-veto rule: any rejection rejects the stage.
func (s ClientStageSummary) Outcome() Status {
	if s.Rejected > 0 {
		return StatusRejected
	}
	if s.Resolved() {
		return StatusApproved
	}
	return StatusPending
}

type CabSummary struct {
	Ballots       int  `json:"ballots"`
	Approves      int  `json:"approves"`
	Rejects       int  `json:"rejects"`
	Abstains      int  `json:"abstains"`
	Quorum        int  `json:"quorum"`
	QuorumMet     bool `json:"quorum_met"`
	HasConditions bool `json:"has_conditions"`
}

func SummarizeCab(votes []*CabVote, quorum int) CabSummary {
	s := CabSummary{Quorum: quorum}
	for _, v := range votes {
		s.Ballots++
		switch v.Vote {
		case VoteApprove:
			s.Approves++
			if v.ConditionalTerms != nil && *v.ConditionalTerms != "" {
				s.HasConditions = true
			}
		case VoteReject:
			s.Rejects++
		case VoteAbstain:
			s.Abstains++
		}
	}
	s.QuorumMet = quorum > 0 && s.Ballots >= quorum
	return s
}

// Outcome is reject-leaning: with quorum met, approves must strictly exceed
// rejects to approve.
func (s CabSummary) Outcome() Status {
	if !s.QuorumMet {
		return StatusPending
	}
	if s.Approves > s.Rejects {
		return StatusApproved
	}
	return StatusRejected
}
