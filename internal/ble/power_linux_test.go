//go:build linux

package ble

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestPoweredChange(t *testing.T) {
	name := propertiesIface + ".PropertiesChanged"
	tests := []struct {
		name   string
		sig    *dbus.Signal
		want   PowerState
		wantOK bool
	}{
		{
			name:   "powered on",
			sig:    &dbus.Signal{Name: name, Body: []interface{}{bluezAdapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}, []string{}}},
			want:   PowerOn,
			wantOK: true,
		},
		{
			name:   "powered off",
			sig:    &dbus.Signal{Name: name, Body: []interface{}{bluezAdapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}, []string{}}},
			want:   PowerOff,
			wantOK: true,
		},
		{
			name: "other property",
			sig:  &dbus.Signal{Name: name, Body: []interface{}{bluezAdapterIface, map[string]dbus.Variant{"Discoverable": dbus.MakeVariant(true)}, []string{}}},
		},
		{
			name: "device interface",
			sig:  &dbus.Signal{Name: name, Body: []interface{}{"org.bluez.Device1", map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}, []string{}}},
		},
		{
			name: "wrong value type",
			sig:  &dbus.Signal{Name: name, Body: []interface{}{bluezAdapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant("yes")}, []string{}}},
		},
		{
			name: "other signal",
			sig:  &dbus.Signal{Name: "org.freedesktop.DBus.ObjectManager.InterfacesAdded"},
		},
		{name: "nil signal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := poweredChange(tt.sig)
			if ok != tt.wantOK {
				t.Fatalf("poweredChange() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("poweredChange() = %v, want %v", got, tt.want)
			}
		})
	}
}
