//go:build linux

package ble

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService      = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	propertiesIface   = "org.freedesktop.DBus.Properties"
)

// AdapterPath is the BlueZ object watched for power changes.
var AdapterPath dbus.ObjectPath = "/org/bluez/hci0"

// watchPower reports the initial Powered property of the BlueZ adapter and
// then every change until ctx is done. tinygo does not surface radio state on
// Linux, so the system bus is watched directly.
func watchPower(ctx context.Context, report func(PowerState)) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}

	obj := conn.Object(bluezService, AdapterPath)
	variant, err := obj.GetProperty(bluezAdapterIface + ".Powered")
	if err != nil {
		conn.Close()
		return fmt.Errorf("get %s.Powered: %w", AdapterPath, err)
	}
	powered, _ := variant.Value().(bool)
	report(powerFromBool(powered))

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(AdapterPath),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("add match rule: %w", err)
	}

	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)

	go func() {
		defer conn.Close()
		defer conn.RemoveSignal(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if state, ok := poweredChange(sig); ok {
					report(state)
				}
			}
		}
	}()
	return nil
}

// poweredChange extracts a Powered change from an adapter PropertiesChanged
// signal.
func poweredChange(sig *dbus.Signal) (PowerState, bool) {
	if sig == nil || sig.Name != propertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return PowerUnknown, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != bluezAdapterIface {
		return PowerUnknown, false
	}
	changes, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PowerUnknown, false
	}
	v, ok := changes["Powered"]
	if !ok {
		return PowerUnknown, false
	}
	powered, ok := v.Value().(bool)
	if !ok {
		slog.Warn("[BLE] unexpected Powered value", "value", v.String())
		return PowerUnknown, false
	}
	return powerFromBool(powered), true
}

func powerFromBool(powered bool) PowerState {
	if powered {
		return PowerOn
	}
	return PowerOff
}
