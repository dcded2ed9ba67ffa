package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrNoRelay means no compatible relay answered within the scan window.
var ErrNoRelay = errors.New("discovery: no relay found")

// DiscoveredRelay is one relay advertisement.
type DiscoveredRelay struct {
	RelayID        string
	Name           string
	KeyFingerprint string
	Version        int
	HostName       string
	PushPort       int
	HTTPPort       int
	Addresses      []string
	LastSeen       time.Time
}

// PushAddress returns host:port of the push listener.
func (r DiscoveredRelay) PushAddress() string {
	if len(r.Addresses) == 0 {
		return ""
	}
	return net.JoinHostPort(r.Addresses[0], strconv.Itoa(r.PushPort))
}

// HTTPBaseURL returns the relay's HTTP base URL.
func (r DiscoveredRelay) HTTPBaseURL() string {
	if len(r.Addresses) == 0 {
		return ""
	}
	return "http://" + net.JoinHostPort(r.Addresses[0], strconv.Itoa(r.HTTPPort))
}

// Browse scans for ScanTimeout and returns every relay seen, sorted by id.
func Browse(ctx context.Context, config Config) ([]DiscoveredRelay, error) {
	cfg := config.withDefaults()

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				relay.LastSeen = time.Now()
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
			}
		}
	}()

	if err := cfg.browseFn(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, err
	}
	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means the scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	relays := make([]DiscoveredRelay, 0, len(collected))
	for _, relay := range collected {
		relays = append(relays, relay)
	}
	collectedMu.Unlock()
	sort.Slice(relays, func(i, j int) bool { return relays[i].RelayID < relays[j].RelayID })
	return relays, nil
}

// Lookup returns the first relay speaking config.Version. A non-empty
// fingerprint pins the relay's record-signing key.
func Lookup(ctx context.Context, config Config) (DiscoveredRelay, error) {
	cfg := config.withDefaults()
	relays, err := Browse(ctx, cfg)
	if err != nil {
		return DiscoveredRelay{}, err
	}
	for _, relay := range relays {
		if relay.Version != cfg.Version || len(relay.Addresses) == 0 {
			continue
		}
		if cfg.KeyFingerprint != "" && relay.KeyFingerprint != cfg.KeyFingerprint {
			continue
		}
		return relay, nil
	}
	return DiscoveredRelay{}, ErrNoRelay
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredRelay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt["relay_id"])
	if relayID == "" {
		return DiscoveredRelay{}, false
	}

	version, _ := strconv.Atoi(txt["version"])
	httpPort, err := strconv.Atoi(txt["http_port"])
	if err != nil || httpPort <= 0 {
		return DiscoveredRelay{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = relayID
	}

	return DiscoveredRelay{
		RelayID:        relayID,
		Name:           name,
		KeyFingerprint: strings.TrimSpace(txt["key_fingerprint"]),
		Version:        version,
		HostName:       entry.HostName,
		PushPort:       entry.Port,
		HTTPPort:       httpPort,
		Addresses:      addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
