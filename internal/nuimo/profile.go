package nuimo

import (
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gonuimo/internal/ble"
	"github.com/chaz8081/gonuimo/internal/device"
	"github.com/chaz8081/gonuimo/internal/gesture"
)

// Connection defaults.
const (
	DefaultConnectionRetryCount   = 5
	DefaultConnectionTimeout      = 5 * time.Second
	DefaultMaxAdvertisingInterval = 5 * time.Second
	DefaultMatrixDisplayInterval  = 2 * time.Second
	DefaultMatrixBrightness       = 1.0

	// DefaultName is the local name Nuimo controllers advertise.
	DefaultName = "Nuimo"

	maxHeartbeatSeconds = 255
)

func mustParse(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic("nuimo: bad uuid " + s)
	}
	return u
}

// Services.
var (
	BatteryService    = bluetooth.New16BitUUID(0x180f)
	DeviceInfoService = bluetooth.New16BitUUID(0x180a)
	LEDMatrixService  = mustParse("f29b1523-cb19-40f3-be5c-7241ecb82fd1")
	SensorService     = mustParse("f29b1525-cb19-40f3-be5c-7241ecb82fd2")
)

func sensor(short string) ble.Characteristic {
	return ble.Characteristic{Service: SensorService, UUID: mustParse("f29b" + short + "-cb19-40f3-be5c-7241ecb82fd2")}
}

// Characteristics.
var (
	BatteryLevel    = ble.Characteristic{Service: BatteryService, UUID: bluetooth.New16BitUUID(0x2a19)}
	HardwareVersion = ble.Characteristic{Service: DeviceInfoService, UUID: bluetooth.New16BitUUID(0x2a27)}
	FirmwareVersion = ble.Characteristic{Service: DeviceInfoService, UUID: bluetooth.New16BitUUID(0x2a26)}
	ModelNumber     = ble.Characteristic{Service: DeviceInfoService, UUID: bluetooth.New16BitUUID(0x2a24)}
	LEDMatrix       = ble.Characteristic{Service: LEDMatrixService, UUID: mustParse("f29b1524-cb19-40f3-be5c-7241ecb82fd1")}

	FlySensor      = sensor("1526")
	TouchSensor    = sensor("1527")
	RotationSensor = sensor("1528")
	ButtonSensor   = sensor("1529")
	RebootToDFU    = sensor("152a")
	Heartbeat      = sensor("152b")
	FlyCalibration = sensor("152c")
)

// gestureSources maps sensor characteristics to decoder sources.
var gestureSources = map[ble.Characteristic]gesture.Source{
	ButtonSensor:   gesture.SourceButton,
	RotationSensor: gesture.SourceRotation,
	TouchSensor:    gesture.SourceTouch,
	FlySensor:      gesture.SourceFly,
}

// Profile is the Nuimo GATT table. The device reports Connected once the LED
// matrix characteristic is known.
var Profile = device.Profile{
	Services: []device.ServiceProfile{
		{UUID: BatteryService, Characteristics: []bluetooth.UUID{BatteryLevel.UUID}},
		{UUID: DeviceInfoService, Characteristics: []bluetooth.UUID{HardwareVersion.UUID, FirmwareVersion.UUID, ModelNumber.UUID}},
		{UUID: LEDMatrixService, Characteristics: []bluetooth.UUID{LEDMatrix.UUID}},
		{UUID: SensorService, Characteristics: []bluetooth.UUID{
			FlySensor.UUID, TouchSensor.UUID, RotationSensor.UUID, ButtonSensor.UUID,
			RebootToDFU.UUID, Heartbeat.UUID, FlyCalibration.UUID,
		}},
	},
	Notify:   []ble.Characteristic{BatteryLevel, FlySensor, TouchSensor, RotationSensor, ButtonSensor, Heartbeat},
	Required: LEDMatrix,
}

// ServiceUUIDs is the default discovery filter.
func ServiceUUIDs() []bluetooth.UUID { return Profile.ServiceUUIDs() }

// NewDescriptor returns the Nuimo descriptor. Non-positive arguments select
// the defaults; pass a negative maxAdvertisingInterval to disable the
// advertising timeout.
func NewDescriptor(retryCount int, maxAdvertisingInterval time.Duration) device.Descriptor {
	if retryCount <= 0 {
		retryCount = DefaultConnectionRetryCount
	}
	switch {
	case maxAdvertisingInterval == 0:
		maxAdvertisingInterval = DefaultMaxAdvertisingInterval
	case maxAdvertisingInterval < 0:
		maxAdvertisingInterval = 0
	}
	return device.Descriptor{
		Profile:                Profile,
		RetryCount:             retryCount,
		MaxAdvertisingInterval: maxAdvertisingInterval,
		ConnectionTimeout:      DefaultConnectionTimeout,
	}
}
