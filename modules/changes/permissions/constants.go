package permissions

const (
	ChangeCreate   = "Change.Create"
	ChangeEdit     = "Change.Edit"
	ChangeApprove  = "Change.Approve"
	ChangeSchedule = "Change.Schedule"
)

// RoleCabMember marks Change Advisory Board voters.
const RoleCabMember = "cab_member"

var Permissions = []string{
	ChangeCreate,
	ChangeEdit,
	ChangeApprove,
	ChangeSchedule,
}
