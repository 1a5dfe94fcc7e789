package signal

import "github.com/google/uuid"

// NewKey returns a UUIDv7 string. Keys generated by one process compare
// lexically in creation order.
func NewKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
