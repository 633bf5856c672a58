package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

// MPRIS D-Bus names (https://specifications.freedesktop.org/mpris-spec/latest/)
const (
	mprisBusPrefix   = "org.mpris.MediaPlayer2."
	mprisObjectPath  = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisRootIface   = "org.mpris.MediaPlayer2"
	mprisPlayerIface = "org.mpris.MediaPlayer2.Player"

	dbusListNames  = "org.freedesktop.DBus.ListNames"
	dbusPropsGet   = "org.freedesktop.DBus.Properties.Get"
	dbusPropsSet   = "org.freedesktop.DBus.Properties.Set"
	dbusErrUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	dbusErrNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"
	dbusErrNoObj   = "org.freedesktop.DBus.Error.UnknownObject"
)

// propertyBus is the part of the session bus the directory and players use.
// Errors are already classified (see classifyDBusError).
type propertyBus interface {
	ListNames(ctx context.Context) ([]string, error)
	GetProperty(ctx context.Context, dest, iface, prop string) (dbus.Variant, error)
	SetProperty(ctx context.Context, dest, iface, prop string, v dbus.Variant) error
}

// connBus implements propertyBus on a live connection with a per-call timeout.
type connBus struct {
	conn        *dbus.Conn
	callTimeout time.Duration
}

func (b *connBus) ListNames(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	var names []string
	if err := b.conn.BusObject().CallWithContext(ctx, dbusListNames, 0).Store(&names); err != nil {
		return nil, classifyDBusError(err)
	}
	return names, nil
}

func (b *connBus) GetProperty(ctx context.Context, dest, iface, prop string) (dbus.Variant, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	var v dbus.Variant
	obj := b.conn.Object(dest, mprisObjectPath)
	if err := obj.CallWithContext(ctx, dbusPropsGet, 0, iface, prop).Store(&v); err != nil {
		return dbus.Variant{}, classifyDBusError(err)
	}
	return v, nil
}

func (b *connBus) SetProperty(ctx context.Context, dest, iface, prop string, v dbus.Variant) error {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	obj := b.conn.Object(dest, mprisObjectPath)
	if call := obj.CallWithContext(ctx, dbusPropsSet, 0, iface, prop, v); call.Err != nil {
		return classifyDBusError(call.Err)
	}
	return nil
}

// MPRISDirectory finds media players on the D-Bus session bus.
type MPRISDirectory struct {
	conn   *dbus.Conn
	bus    propertyBus
	logger *slog.Logger
}

// ConnectMPRIS connects to the session bus at address.
// Failure to connect wraps ErrTransport.
func ConnectMPRIS(ctx context.Context, address string, callTimeout time.Duration, logger *slog.Logger) (*MPRISDirectory, error) {
	conn, err := dbus.Connect(address, dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", ErrTransport, address, err)
	}
	logger.Debug("connected to session bus", "address", address)
	return &MPRISDirectory{
		conn:   conn,
		bus:    &connBus{conn: conn, callTimeout: callTimeout},
		logger: logger,
	}, nil
}

// Close closes the bus connection.
func (d *MPRISDirectory) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Find returns the first player whose Identity equals identity (case-insensitive).
//
// Only a lost connection wraps ErrTransport. A slow or failed ListNames on a
// live connection is returned as a plain error and the caller polls again.
func (d *MPRISDirectory) Find(ctx context.Context, identity string) (Player, bool, error) {
	names, err := d.listPlayerNames(ctx)
	if err != nil {
		return nil, false, err
	}

	for _, name := range names {
		p := &mprisPlayer{
			bus:     d.bus,
			busName: name,
			logger:  d.logger,
		}

		id, err := p.readIdentity(ctx)
		if err != nil {
			if errors.Is(err, ErrTransport) {
				return nil, false, err
			}
			// Player left between ListNames and Get, or does not implement
			// the root interface properly. Neither is our concern.
			d.logger.Debug("skipping player", "bus_name", name, "error", err)
			continue
		}

		if strings.EqualFold(id, identity) {
			p.identity = id
			return p, true, nil
		}
	}

	return nil, false, nil
}

func (d *MPRISDirectory) listPlayerNames(ctx context.Context) ([]string, error) {
	names, err := d.bus.ListNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}

	players := names[:0]
	for _, n := range names {
		if strings.HasPrefix(n, mprisBusPrefix) {
			players = append(players, n)
		}
	}
	return players, nil
}

// mprisPlayer is a Player backed by one org.mpris.MediaPlayer2.* bus name.
type mprisPlayer struct {
	bus      propertyBus
	busName  string
	identity string
	logger   *slog.Logger
}

var _ Player = (*mprisPlayer)(nil)

func (p *mprisPlayer) Identity() string { return p.identity }

func (p *mprisPlayer) readIdentity(ctx context.Context) (string, error) {
	v, err := p.bus.GetProperty(ctx, p.busName, mprisRootIface, "Identity")
	if err != nil {
		return "", fmt.Errorf("get identity: %w", err)
	}
	id, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("get identity: unexpected type %s", v.Signature())
	}
	return id, nil
}

// PlaybackStatus reads org.mpris.MediaPlayer2.Player.PlaybackStatus.
func (p *mprisPlayer) PlaybackStatus(ctx context.Context) (PlaybackStatus, error) {
	v, err := p.bus.GetProperty(ctx, p.busName, mprisPlayerIface, "PlaybackStatus")
	if err != nil {
		return "", fmt.Errorf("get playback status: %w", err)
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("get playback status: unexpected type %s", v.Signature())
	}

	p.logger.Debug("PlaybackStatus", "player", p.identity, "status", s)

	return PlaybackStatus(s), nil
}

// Volume reads org.mpris.MediaPlayer2.Player.Volume.
func (p *mprisPlayer) Volume(ctx context.Context) (float64, error) {
	v, err := p.bus.GetProperty(ctx, p.busName, mprisPlayerIface, "Volume")
	if err != nil {
		return 0, fmt.Errorf("get volume: %w", err)
	}
	vol, ok := v.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("get volume: unexpected type %s", v.Signature())
	}

	p.logger.Debug("GetVolume", "player", p.identity, "volume", vol)

	return vol, nil
}

// SetVolume writes org.mpris.MediaPlayer2.Player.Volume.
func (p *mprisPlayer) SetVolume(ctx context.Context, vol float64) error {
	if err := p.bus.SetProperty(ctx, p.busName, mprisPlayerIface, "Volume", dbus.MakeVariant(vol)); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}

	p.logger.Debug("SetVolume", "player", p.identity, "volume", vol)

	return nil
}

// classifyDBusError tags errors meaning "the player went away" with ErrPlayerGone
// and a closed connection with ErrTransport. Everything else is returned as is.
func classifyDBusError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dbus.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	var name string
	var dErr dbus.Error
	var dErrPtr *dbus.Error
	switch {
	case errors.As(err, &dErr):
		name = dErr.Name
	case errors.As(err, &dErrPtr):
		name = dErrPtr.Name
	}

	switch name {
	case dbusErrUnknown, dbusErrNoOwner, dbusErrNoObj:
		return fmt.Errorf("%w: %w", ErrPlayerGone, err)
	}
	return err
}
