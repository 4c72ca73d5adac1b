// Package discovery listens for the UDP announcements dingz and myStrom units
// broadcast on the local network.
package discovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/dingz"
	"github.com/dokzlo13/dingzd/internal/eventbus"
)

// DefaultPort is the port units announce themselves on.
const DefaultPort = 7979

// announcementLen is the MAC, the product code and the flags byte.
const announcementLen = 8

// flagRegistered is set once a unit is paired with the vendor cloud.
const flagRegistered = 0x01

// ErrShortAnnouncement is returned for datagrams too short to carry an announcement.
var ErrShortAnnouncement = errors.New("announcement too short")

// Announcement is one parsed broadcast.
type Announcement struct {
	MAC     string
	Type    dingz.DeviceType
	Flags   byte
	Address string
}

// Registered reports the cloud pairing flag.
func (a Announcement) Registered() bool { return a.Flags&flagRegistered != 0 }

// Parse decodes a datagram received from src.
func Parse(payload []byte, src net.IP) (Announcement, error) {
	if len(payload) < announcementLen {
		return Announcement{}, fmt.Errorf("%w: %d bytes", ErrShortAnnouncement, len(payload))
	}
	return Announcement{
		MAC:     strings.ToUpper(hex.EncodeToString(payload[:6])),
		Type:    dingz.DeviceType(payload[6]),
		Flags:   payload[7],
		Address: src.String(),
	}, nil
}

// Registrar is told about devices that are not registered yet.
type Registrar interface {
	Known(mac string) bool
	Register(ctx context.Context, a Announcement) error
}

// Listener tracks announcements, publishing DeviceInfoUpdated when a known
// device shows up at a new address.
type Listener struct {
	port         int
	bus          *eventbus.Bus
	registrar    Registrar
	autoRegister bool
	retryAfter   time.Duration
	now          func() time.Time

	mu        sync.Mutex
	addresses map[string]string
	attempts  map[string]time.Time
}

// NewListener creates a listener. Unknown devices are handed to registrar
// only when autoRegister is set.
func NewListener(port int, bus *eventbus.Bus, registrar Registrar, autoRegister bool) *Listener {
	if port == 0 {
		port = DefaultPort
	}
	return &Listener{
		port:         port,
		bus:          bus,
		registrar:    registrar,
		autoRegister: autoRegister,
		retryAfter:   time.Minute,
		now:          time.Now,
		addresses:    make(map[string]string),
		attempts:     make(map[string]time.Time),
	}
}

// Run reads announcements until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", l.port))
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", l.port, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Info().Int("port", l.port).Msg("Listening for device announcements")

	buf := make([]byte, 64)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("Discovery read failed")
			continue
		}

		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		a, err := Parse(buf[:n], udp.IP)
		if err != nil {
			log.Debug().Err(err).Str("from", src.String()).Msg("Ignoring datagram")
			continue
		}
		l.Handle(ctx, a)
	}
}

// Handle processes one announcement.
func (l *Listener) Handle(ctx context.Context, a Announcement) {
	l.mu.Lock()
	prev, seen := l.addresses[a.MAC]
	l.addresses[a.MAC] = a.Address
	l.mu.Unlock()

	if l.registrar != nil && l.registrar.Known(a.MAC) {
		if !seen || prev != a.Address {
			log.Debug().Str("device", a.MAC).Str("address", a.Address).Msg("Device announced")
			l.bus.Publish(eventbus.DeviceInfoUpdated{
				DeviceID: a.MAC,
				Address:  a.Address,
				Model:    fmt.Sprintf("%d", a.Type),
			})
		}
		return
	}

	if !l.autoRegister || l.registrar == nil || !l.shouldAttempt(a.MAC) {
		return
	}

	log.Info().Str("device", a.MAC).Str("address", a.Address).Int("type", int(a.Type)).Msg("Registering discovered device")
	if err := l.registrar.Register(ctx, a); err != nil {
		log.Warn().Err(err).Str("device", a.MAC).Msg("Failed to register discovered device")
	}
}

// shouldAttempt rate-limits registration attempts per MAC.
func (l *Listener) shouldAttempt(mac string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if last, ok := l.attempts[mac]; ok && now.Sub(last) < l.retryAfter {
		return false
	}
	l.attempts[mac] = now
	return true
}

// Seen returns the last announced address per MAC.
func (l *Listener) Seen() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.addresses))
	for k, v := range l.addresses {
		out[k] = v
	}
	return out
}
