package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the DNS-SD service type nebulasend devices advertise.
	DefaultService = "_nebulasend._tcp"
	DefaultDomain  = "local."
	// DefaultVersion is published as the version TXT key.
	DefaultVersion         = 1
	DefaultTransport       = "tcp"
	DefaultScanTimeout     = 3 * time.Second
	DefaultRefreshInterval = 10 * time.Second
)

// ErrInvalidConfig wraps every Config validation failure.
var ErrInvalidConfig = errors.New("invalid discovery config")

type (
	registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
	browseFunc   func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
)

// Config describes this device on the network and how long browsing runs.
// Zero values fall back to the Default constants.
type Config struct {
	Service string
	Domain  string
	Version int

	SelfDeviceID  string
	DeviceName    string
	ListeningPort int
	Transport     string

	ScanTimeout     time.Duration
	RefreshInterval time.Duration

	// test hooks; nil means the real zeroconf calls
	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) normalized() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.Transport = strings.TrimSpace(c.Transport); c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c
}

// check validates the fields browsing needs and, when advertising, the ones a
// TXT record needs as well.
func (c Config) check(advertising bool) error {
	var problems []string
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		problems = append(problems, "device id is empty")
	}
	if advertising {
		if strings.TrimSpace(c.DeviceName) == "" {
			problems = append(problems, "device name is empty")
		}
		if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
			problems = append(problems, fmt.Sprintf("port %d out of range", c.ListeningPort))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) resolver() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mDNS resolver: %w", err)
	}
	return r.Browse, nil
}

func (c Config) txtRecords() []string {
	return []string{
		"device_id=" + c.SelfDeviceID,
		"version=" + strconv.Itoa(c.Version),
		"transport=" + c.Transport,
	}
}

// Broadcaster keeps this device's service record published until Stop.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster publishes the device under its name on every interface.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.normalized()
	if err := cfg.check(true); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("advertise %s: %w", cfg.Service, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "StartBroadcaster",
		"device_id": cfg.SelfDeviceID,
		"port":      cfg.ListeningPort,
		"transport": cfg.Transport,
	}).Info("Advertising on mDNS")
	return &Broadcaster{server: server}, nil
}

// Stop withdraws the record. Safe on a nil Broadcaster.
func (b *Broadcaster) Stop() {
	if b != nil && b.server != nil {
		b.server.Shutdown()
	}
}
