package models

// Family pairs exactly one parent and one child account
type Family struct {
	FamilyID          string           `json:"familyId"`
	ParentUsernameKey string           `json:"parentUsernameKey"`
	ChildUsernameKey  string           `json:"childUsernameKey"`
	CreatedAt         int64            `json:"createdAt"`
	ChildCredentials  ChildCredentials `json:"childCredentials"`
}
