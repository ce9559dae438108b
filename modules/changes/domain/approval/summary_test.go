package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func rows(statuses ...Status) []*Approval {
	out := make([]*Approval, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, &Approval{Status: s})
	}
	return out
}

func TestClientStageSummary_Outcome(t *testing.T) {
	cases := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty stage stays pending", nil, StatusPending},
		{"any pending keeps the stage open", []Status{StatusApproved, StatusPending}, StatusPending},
		{"single veto rejects immediately", []Status{StatusApproved, StatusRejected, StatusPending}, StatusRejected},
		{"unanimous approval resolves", []Status{StatusApproved, StatusApproved}, StatusApproved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SummarizeClientStage(rows(tc.statuses...)).Outcome())
		})
	}
}

func ballot(v Vote, terms string) *CabVote {
	cv := &CabVote{Vote: v}
	if terms != "" {
		cv.ConditionalTerms = &terms
	}
	return cv
}

func TestCabSummary_Outcome(t *testing.T) {
	cases := []struct {
		name   string
		votes  []*CabVote
		quorum int
		want   Status
	}{
		{
			name:   "below quorum stays pending",
			votes:  []*CabVote{ballot(VoteApprove, ""), ballot(VoteApprove, "")},
			quorum: 3,
			want:   StatusPending,
		},
		{
			name:   "majority approves",
			votes:  []*CabVote{ballot(VoteApprove, ""), ballot(VoteApprove, ""), ballot(VoteReject, "")},
			quorum: 3,
			want:   StatusApproved,
		},
		{
			name:   "tie rejects",
			votes:  []*CabVote{ballot(VoteApprove, ""), ballot(VoteReject, "")},
			quorum: 2,
			want:   StatusRejected,
		},
		{
			name:   "abstains count toward quorum but not the verdict",
			votes:  []*CabVote{ballot(VoteApprove, ""), ballot(VoteAbstain, ""), ballot(VoteAbstain, "")},
			quorum: 3,
			want:   StatusApproved,
		},
		{
			name:   "all abstain rejects",
			votes:  []*CabVote{ballot(VoteAbstain, ""), ballot(VoteAbstain, "")},
			quorum: 2,
			want:   StatusRejected,
		},
		{
			name:   "zero quorum never resolves",
			votes:  []*CabVote{ballot(VoteApprove, "")},
			quorum: 0,
			want:   StatusPending,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SummarizeCab(tc.votes, tc.quorum).Outcome())
		})
	}
}

func TestCabSummary_Conditions(t *testing.T) {
	s := SummarizeCab([]*CabVote{
		ballot(VoteApprove, "outside business hours only"),
		ballot(VoteApprove, ""),
	}, 2)
	assert.True(t, s.HasConditions)
	assert.Equal(t, 2, s.Approves)

	s = SummarizeCab([]*CabVote{ballot(VoteApprove, "")}, 1)
	assert.False(t, s.HasConditions)
}

func TestValidVote(t *testing.T) {
	assert.True(t, ValidVote(VoteApprove))
	assert.True(t, ValidVote(VoteAbstain))
	assert.False(t, ValidVote(Vote("veto")))
}
