package auth

const (
	PermReadPatients    = "patient.read"
	PermReadAllPatients = "patient.read.all"
	PermCreatePatients  = "patient.create"
	PermUpdatePatients  = "patient.update"
	PermDeletePatients  = "patient.delete"
	PermReadUsers       = "user.read"
	PermManageUsers     = "user.manage"
	PermManageRoles     = "role.manage"
	PermViewAudit       = "audit.view"
	PermViewReports     = "report.view"
)

// BuiltinPermissions is the static catalog ensured at startup. End users never
// mutate it; roles only reference it. IDs are stable so seed files and role
// assignments can name them.
var BuiltinPermissions = []Permission{
	{ID: "perm-patient-read", Key: PermReadPatients, Description: "View patient records within own scope"},
	{ID: "perm-patient-read-all", Key: PermReadAllPatients, Description: "View patient records across all scopes"},
	{ID: "perm-patient-create", Key: PermCreatePatients, Description: "Create patient records and run imports"},
	{ID: "perm-patient-update", Key: PermUpdatePatients, Description: "Edit patient record fields"},
	{ID: "perm-patient-delete", Key: PermDeletePatients, Description: "Delete patient records"},
	{ID: "perm-user-read", Key: PermReadUsers, Description: "View user accounts"},
	{ID: "perm-user-manage", Key: PermManageUsers, Description: "Provision, edit and unlock user accounts"},
	{ID: "perm-role-manage", Key: PermManageRoles, Description: "Manage roles and their permission sets"},
	{ID: "perm-audit-view", Key: PermViewAudit, Description: "Browse the audit trail"},
	{ID: "perm-report-view", Key: PermViewReports, Description: "View aggregate statistics"},
}
