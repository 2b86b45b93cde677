package session

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Identity is the authenticated party a connection speaks for. It is fixed
// for the lifetime of a connection; a different identity means a new one.
type Identity struct {
	Role    model.Role `validate:"required,oneof=buyer seller generic"`
	UserID  string     `validate:"required"`
	StoreID string     `validate:"required_if=Role seller"`
}

// Validate checks the identity is complete for its role.
func (id Identity) Validate() error {
	if err := validate.Struct(id); err != nil {
		return chaterr.New(chaterr.Validation, "identity", err)
	}
	return nil
}

// Key is a stable string form, used to collapse concurrent opens.
func (id Identity) Key() string {
	return fmt.Sprintf("%s:%s:%s", id.Role, id.UserID, id.StoreID)
}

// Room returns the room this identity joins when talking to counterpart:
// a buyer talks to a store, a seller to one of its buyers.
func (id Identity) Room(counterpart string) model.RoomKey {
	if id.Role == model.Seller {
		return model.RoomKey{StoreID: id.StoreID, BuyerID: counterpart}
	}
	return model.RoomKey{StoreID: counterpart, BuyerID: id.UserID}
}
