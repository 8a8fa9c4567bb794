package models

import "path"

// Root collections of the shared tree
const (
	UsersRoot    = "users"
	PendingRoot  = "pending_registrations"
	FamiliesRoot = "families"
)

// UserPath is users/{usernameKey}
func UserPath(usernameKey string) string {
	return path.Join(UsersRoot, usernameKey)
}

// SessionTokenPath is the fencing field watched by every logged-in client
func SessionTokenPath(usernameKey string) string {
	return path.Join(UsersRoot, usernameKey, "sessionToken")
}

// PendingPath is pending_registrations/{usernameKey}
func PendingPath(usernameKey string) string {
	return path.Join(PendingRoot, usernameKey)
}

// FamilyPath is families/{familyId}
func FamilyPath(familyID string) string {
	return path.Join(FamiliesRoot, familyID)
}

// LocationPath is families/{familyId}/{role}Location
func LocationPath(familyID string, role Role) string {
	return path.Join(FamiliesRoot, familyID, string(role)+"Location")
}

// ChildStatusPath is families/{familyId}/childStatus
func ChildStatusPath(familyID string) string {
	return path.Join(FamiliesRoot, familyID, "childStatus")
}

// CommandPath is the single command slot
func CommandPath(familyID string) string {
	return path.Join(FamiliesRoot, familyID, "commands")
}

// LogsPath is families/{familyId}/logs
func LogsPath(familyID string) string {
	return path.Join(FamiliesRoot, familyID, "logs")
}

// ChildCredentialsPath is families/{familyId}/childCredentials
func ChildCredentialsPath(familyID string) string {
	return path.Join(FamiliesRoot, familyID, "childCredentials")
}
