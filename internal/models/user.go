package models

// Account is a login identity stored under users/{usernameKey}
type Account struct {
	UsernameKey  string `json:"usernameKey"`
	PasswordHash string `json:"passwordHash"`
	Role         Role   `json:"role"`
	FamilyID     string `json:"familyId"`
	DisplayName  string `json:"displayName"`
	Contact      string `json:"contact,omitempty"`
	SessionToken string `json:"sessionToken"`
}

// Profile is what a successful login hands back to the caller
type Profile struct {
	UsernameKey  string `json:"usernameKey"`
	Role         Role   `json:"role"`
	FamilyID     string `json:"familyId"`
	DisplayName  string `json:"displayName"`
	Contact      string `json:"contact,omitempty"`
	SessionToken string `json:"sessionToken"`
}

// ProfileOf strips the credential material from an account
func ProfileOf(a *Account) *Profile {
	return &Profile{
		UsernameKey:  a.UsernameKey,
		Role:         a.Role,
		FamilyID:     a.FamilyID,
		DisplayName:  a.DisplayName,
		Contact:      a.Contact,
		SessionToken: a.SessionToken,
	}
}

// PendingRegistration waits under pending_registrations/{usernameKey}
// until the operator-relayed code is confirmed.
type PendingRegistration struct {
	UsernameKey  string `json:"usernameKey"`
	PasswordHash string `json:"passwordHash"`
	ChildName    string `json:"childName"`
	ChildContact string `json:"childContact"`
	Code         string `json:"code"`
	CreatedAt    int64  `json:"createdAt"`
}

// IsExpired checks the pending record against the confirmation window
func (p *PendingRegistration) IsExpired(nowMs, windowMs int64) bool {
	return nowMs-p.CreatedAt >= windowMs
}

// ChildCredentials is the login a parent hands to the child device
type ChildCredentials struct {
	Username string `json:"username"`
	PIN      string `json:"pin"`
}
