package ble

import (
	"strings"

	"github.com/google/uuid"
)

// addressNamespace derives stable identities for MAC-addressed peripherals.
var addressNamespace = uuid.MustParse("6f1b3c52-5f0e-4a7e-9d0b-2c4e8f9a1d37")

// IdentityFor returns the stable identity for a host address. CoreBluetooth
// addresses are already UUIDs and are used as is; MAC addresses are hashed
// into a name-based UUID so the same device always maps to the same identity.
func IdentityFor(address string) uuid.UUID {
	if id, err := uuid.Parse(address); err == nil {
		return id
	}
	return uuid.NewSHA1(addressNamespace, []byte(strings.ToUpper(strings.TrimSpace(address))))
}
