package auth

const (
	PermUsersView   = "users.view"
	PermUsersCreate = "users.create"
	PermUsersEdit   = "users.edit"
	PermUsersDelete = "users.delete"

	PermRolesView   = "roles.view"
	PermRolesCreate = "roles.create"
	PermRolesEdit   = "roles.edit"
	PermRolesDelete = "roles.delete"

	PermPermissionsView   = "permissions.view"
	PermPermissionsAssign = "permissions.assign"

	PermContactsView   = "contacts.view"
	PermContactsCreate = "contacts.create"
	PermContactsEdit   = "contacts.edit"
	PermContactsDelete = "contacts.delete"
)

const (
	RoleAdministrator = "Administrator"
	RoleUser          = "User"
)

var BuiltinPermissions = []Permission{
	{Name: PermUsersView, Resource: "Users", Action: "Read", Description: "View users"},
	{Name: PermUsersCreate, Resource: "Users", Action: "Create", Description: "Create users"},
	{Name: PermUsersEdit, Resource: "Users", Action: "Update", Description: "Edit users"},
	{Name: PermUsersDelete, Resource: "Users", Action: "Delete", Description: "Delete users"},

	{Name: PermRolesView, Resource: "Roles", Action: "Read", Description: "View roles"},
	{Name: PermRolesCreate, Resource: "Roles", Action: "Create", Description: "Create roles"},
	{Name: PermRolesEdit, Resource: "Roles", Action: "Update", Description: "Edit roles"},
	{Name: PermRolesDelete, Resource: "Roles", Action: "Delete", Description: "Delete roles"},

	{Name: PermPermissionsView, Resource: "Permissions", Action: "Read", Description: "View permissions"},
	{Name: PermPermissionsAssign, Resource: "Permissions", Action: "Create", Description: "Assign permissions"},

	{Name: PermContactsView, Resource: "Contacts", Action: "Read", Description: "View contacts"},
	{Name: PermContactsCreate, Resource: "Contacts", Action: "Create", Description: "Create contacts"},
	{Name: PermContactsEdit, Resource: "Contacts", Action: "Update", Description: "Edit contacts"},
	{Name: PermContactsDelete, Resource: "Contacts", Action: "Delete", Description: "Delete contacts"},
}

// BuiltinRole is a seeded role and the permission names it is granted.
type BuiltinRole struct {
	Name        string
	Description string
	Permissions []string
}

var BuiltinRoles = []BuiltinRole{
	{
		Name:        RoleAdministrator,
		Description: "Full system access",
		Permissions: builtinPermissionNames(),
	},
	{
		Name:        RoleUser,
		Description: "Standard user access",
		Permissions: []string{PermContactsView},
	},
}

func builtinPermissionNames() []string {
	names := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		names = append(names, p.Name)
	}
	return names
}
