package climate

const (
	// Domain is the integration's name in Home Assistant configuration.
	Domain = "tritonnet_climate"

	// EntityPrefix starts the object id of every room entity.
	EntityPrefix = "tritonnet_"

	// DeviceID groups every room entity under one Home Assistant device.
	DeviceID = "tritonnet_climate"
)

// UniqueID returns the registry unique id of the entity for roomKey.
func UniqueID(roomKey string) string {
	return Domain + "_" + roomKey
}

// ObjectID returns the object id part of the entity id for roomKey.
func ObjectID(roomKey string) string {
	return EntityPrefix + roomKey
}

// EntityID returns the canonical entity id for roomKey.
func EntityID(roomKey string) string {
	return "climate." + ObjectID(roomKey)
}
