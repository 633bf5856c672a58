package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// sessionBusAddress returns the D-Bus session bus address to connect to.
//
// Order:
//   - explicit address from config
//   - DBUS_SESSION_BUS_ADDRESS
//   - the systemd per-user socket /run/user/<uid>/bus
//
// The last case covers daemons started outside a desktop session
// (systemd user units, cron) where the variable is not exported.
func sessionBusAddress(configured string) (string, error) {
	return resolveBusAddress(configured, os.Getenv("DBUS_SESSION_BUS_ADDRESS"), unix.Getuid(), func(path string) error {
		return unix.Access(path, unix.R_OK|unix.W_OK)
	})
}

func resolveBusAddress(configured, env string, uid int, access func(string) error) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env != "" {
		return env, nil
	}

	path := fmt.Sprintf("/run/user/%d/bus", uid)
	if err := access(path); err != nil {
		return "", fmt.Errorf("%w: DBUS_SESSION_BUS_ADDRESS not set and %s not usable: %w", ErrTransport, path, err)
	}
	return "unix:path=" + path, nil
}
