package protocol

import "fmt"

// Address identifies a remote party's single device: an identifier
// (user id, phone number, whatever the application uses) plus a
// device id, matching the "id.deviceId" addressing scheme Signal
// clients use to support multi-device accounts.
type Address struct {
	ID       string
	DeviceID uint32
}

// NewAddress constructs an Address.
func NewAddress(id string, deviceID uint32) Address {
	return Address{ID: id, DeviceID: deviceID}
}

// String renders the address as "id.deviceId", the key under which
// Store implementations index sessions and job-queue buckets.
func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.ID, a.DeviceID)
}
