// Package geo resolves the issuing country of client IP addresses.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// CountryUnknown is returned when an IP cannot be classified. The engine
// treats it as "do not override" in residency decisions.
const CountryUnknown = "UNKNOWN"

// Resolver maps an IP address to an ISO 3166-1 alpha-2 country code.
type Resolver interface {
	CountryByIP(ip string) string
}

// MaxMindResolver reads a GeoLite2-Country database.
type MaxMindResolver struct {
	reader *maxminddb.Reader
}

// Open loads a MaxMind database file.
func Open(path string) (*MaxMindResolver, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open %s: %w", path, err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Close releases the database.
func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// CountryByIP resolves a country code, returning CountryUnknown on any
// parse or lookup failure.
func (r *MaxMindResolver) CountryByIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return CountryUnknown
	}
	var record countryRecord
	if err := r.reader.Lookup(parsed, &record); err != nil {
		return CountryUnknown
	}
	if record.Country.ISOCode == "" {
		return CountryUnknown
	}
	return record.Country.ISOCode
}

// StaticResolver serves fixed lookups, for tests and offline deployments.
type StaticResolver map[string]string

// CountryByIP implements Resolver.
func (r StaticResolver) CountryByIP(ip string) string {
	if country, ok := r[ip]; ok {
		return country
	}
	return CountryUnknown
}
