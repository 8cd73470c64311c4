package state

// AppState is the signed-in user's session pointers and current family
// identity. Nullable fields are nil when unset.
type AppState struct {
	LoggedIn    bool    `json:"loggedIn"`
	Phone       *string `json:"phone"`
	Email       *string `json:"email"`
	UserID      *string `json:"userId"`
	FamilyID    *string `json:"familyId"`
	FamilyName  *string `json:"familyName"`
	MemberID    *string `json:"memberId"`
	DisplayName *string `json:"displayName"`
	IsOwner     bool    `json:"isOwner"`
	Role        *string `json:"role"`
}

// Defaults returns the signed-out state.
func Defaults() AppState {
	return AppState{}
}

// HasFamily reports whether the state carries a family identity.
func (s AppState) HasFamily() bool {
	return s.FamilyID != nil && *s.FamilyID != ""
}

// Str dereferences an optional field, returning "" for nil.
func Str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Value is an optional patch value for a nullable field. The zero Value
// leaves the field untouched.
type Value struct {
	Set bool
	V   *string
}

// String patches a field to s.
func String(s string) Value {
	return Value{Set: true, V: &s}
}

// Null patches a field to null.
var Null = Value{Set: true}

// Patch is a partial AppState. Only set fields are merged.
type Patch struct {
	LoggedIn    *bool
	Phone       Value
	Email       Value
	UserID      Value
	FamilyID    Value
	FamilyName  Value
	MemberID    Value
	DisplayName Value
	IsOwner     *bool
	Role        Value
}

// Bool returns a pointer to b for use in a Patch.
func Bool(b bool) *bool {
	return &b
}

// Apply merges p over s field by field.
func (p Patch) Apply(s AppState) AppState {
	if p.LoggedIn != nil {
		s.LoggedIn = *p.LoggedIn
	}
	if p.IsOwner != nil {
		s.IsOwner = *p.IsOwner
	}
	merge := func(dst **string, v Value) {
		if !v.Set {
			return
		}
		if v.V == nil {
			*dst = nil
			return
		}
		cp := *v.V
		*dst = &cp
	}
	merge(&s.Phone, p.Phone)
	merge(&s.Email, p.Email)
	merge(&s.UserID, p.UserID)
	merge(&s.FamilyID, p.FamilyID)
	merge(&s.FamilyName, p.FamilyName)
	merge(&s.MemberID, p.MemberID)
	merge(&s.DisplayName, p.DisplayName)
	merge(&s.Role, p.Role)
	return s
}

// LeaveFamily returns a patch that clears the family identity while keeping
// the session pointers.
func LeaveFamily() Patch {
	return Patch{
		FamilyID:    Null,
		FamilyName:  Null,
		MemberID:    Null,
		DisplayName: Null,
		IsOwner:     Bool(false),
		Role:        Null,
	}
}
