package model

// Owner identifies who a basket belongs to at a given moment: the anonymous
// device-local session, or an authenticated user.
//
// The zero value is the guest owner.
type Owner struct {
	// UserID is the authenticated user's id, empty for guests.
	UserID string
}

// Guest returns the anonymous device-local owner.
func Guest() Owner {
	return Owner{}
}

// User returns the owner for an authenticated user id.
func User(userID string) Owner {
	return Owner{UserID: userID}
}

// IsGuest reports whether this is the anonymous owner.
func (o Owner) IsGuest() bool {
	return o.UserID == ""
}

// Key returns a stable storage/queue key for the owner.
// Guests share one fixed slot per device.
func (o Owner) Key() string {
	if o.IsGuest() {
		return "guest"
	}
	return "user:" + o.UserID
}

func (o Owner) String() string {
	return o.Key()
}
