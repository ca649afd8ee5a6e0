package ccast

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/text/unicode/norm"
)

const (
	// ServiceName is the DNS-SD service cast receivers advertise
	ServiceName = `_googlecast._tcp.local`
	// MulticastAddr is the mDNS group queried during discovery
	MulticastAddr = `224.0.0.251:5353`

	requeryInterval = time.Second
	// unicast-response bit of the question class
	classUnicastResponse = 0x8000
)

// Receiver is a cast receiver found on the network
type Receiver struct {
	// Name is the user visible friendly name
	Name  string
	ID    string
	Model string
	Host  string
	Port  int
}

// Addr returns host:port
func (r Receiver) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Browser enumerates receivers on the local network. Browse calls found for
// every complete receiver it learns about until found returns true or ctx is
// done; it must check ctx at least once per interval. Running out of time is
// not an error.
type Browser interface {
	Browse(ctx context.Context, interval time.Duration, found func(Receiver) bool) error
}

// MDNSBrowser discovers receivers with multicast DNS
type MDNSBrowser struct {
	// Group is the multicast group queried, MulticastAddr when empty
	Group string
	// Service is the DNS-SD service name, ServiceName when empty
	Service string
}

// Browse sends a PTR query for the cast service, repeated every second, and
// collects answers until found is satisfied or ctx is done
func (b *MDNSBrowser) Browse(ctx context.Context, interval time.Duration, found func(Receiver) bool) error {
	group, service := b.Group, b.Service
	if group == `` {
		group = MulticastAddr
	}
	if service == `` {
		service = ServiceName
	}
	dst, err := net.ResolveUDPAddr(`udp4`, group)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP(`udp4`, &net.UDPAddr{})
	if err != nil {
		return err
	}
	defer conn.Close()

	query, err := buildQuery(service)
	if err != nil {
		return err
	}

	cache := newRecordCache(service)
	reported := make(map[string]bool)
	buf := make([]byte, 9000)
	var lastQuery time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastQuery) >= requeryInterval {
			if _, err := conn.WriteToUDP(query, dst); err != nil {
				return err
			}
			lastQuery = time.Now()
		}
		deadline := time.Now().Add(interval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if err := cache.add(buf[:n]); err != nil {
			continue
		}
		for _, r := range cache.receivers() {
			if reported[r.Name+r.Addr()] {
				continue
			}
			reported[r.Name+r.Addr()] = true
			if found(r) {
				return nil
			}
		}
	}
}

func buildQuery(service string) ([]byte, error) {
	dns := &layers.DNS{
		Questions: []layers.DNSQuestion{{
			Name:  []byte(service),
			Type:  layers.DNSTypePTR,
			Class: layers.DNSClassIN | classUnicastResponse,
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := dns.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// recordCache merges answers across responses, receivers often split PTR,
// SRV, TXT and A records over several packets
type recordCache struct {
	service   string
	// lowercased instance name to the name as advertised
	instances map[string]string
	srv       map[string]layers.DNSSRV
	txt       map[string]map[string]string
	addr      map[string]net.IP
}

func newRecordCache(service string) *recordCache {
	return &recordCache{
		service:   strings.ToLower(service),
		instances: make(map[string]string),
		srv:       make(map[string]layers.DNSSRV),
		txt:       make(map[string]map[string]string),
		addr:      make(map[string]net.IP),
	}
}

func (c *recordCache) add(packet []byte) error {
	dns := &layers.DNS{}
	if err := dns.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
		return err
	}
	if !dns.QR {
		return nil
	}
	records := make([]layers.DNSResourceRecord, 0, len(dns.Answers)+len(dns.Additionals))
	records = append(records, dns.Answers...)
	records = append(records, dns.Additionals...)
	for _, rr := range records {
		name := strings.ToLower(string(rr.Name))
		switch rr.Type {
		case layers.DNSTypePTR:
			if name == c.service {
				c.instances[strings.ToLower(string(rr.PTR))] = string(rr.PTR)
			}
		case layers.DNSTypeSRV:
			c.srv[name] = rr.SRV
		case layers.DNSTypeTXT:
			kv := make(map[string]string, len(rr.TXTs))
			for _, t := range rr.TXTs {
				k, v, _ := strings.Cut(string(t), `=`)
				kv[strings.ToLower(k)] = v
			}
			c.txt[name] = kv
		case layers.DNSTypeA:
			c.addr[name] = rr.IP
		}
	}
	return nil
}

// receivers returns every instance whose address is fully known
func (c *recordCache) receivers() []Receiver {
	var out []Receiver
	for instance, advertised := range c.instances {
		srv, ok := c.srv[instance]
		if !ok {
			continue
		}
		ip, ok := c.addr[strings.ToLower(string(srv.Name))]
		if !ok {
			continue
		}
		txt := c.txt[instance]
		name := txt[`fn`]
		if name == `` {
			name = instanceLabel(advertised, len(c.service))
		}
		out = append(out, Receiver{
			Name:  name,
			ID:    txt[`id`],
			Model: txt[`md`],
			Host:  ip.String(),
			Port:  int(srv.Port),
		})
	}
	return out
}

// instanceLabel strips the service suffix, serviceLen bytes plus the dot,
// from an advertised instance name keeping its case
func instanceLabel(instance string, serviceLen int) string {
	instance = strings.TrimSuffix(instance, `.`)
	if n := len(instance) - serviceLen - 1; n > 0 && instance[n] == '.' {
		return instance[:n]
	}
	return instance
}

// normalizeName maps a friendly name to its comparable form: invalid UTF-8
// replaced, then NFC
func normalizeName(name string) string {
	return norm.NFC.String(strings.ToValidUTF8(strings.TrimSpace(name), "\uFFFD"))
}
