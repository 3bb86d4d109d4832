package geo

import (
	"errors"
	"net"

	"github.com/oschwald/geoip2-golang"

	"botsentry/internal/model"
)

// Resolver enriches classifications with city-level location data from a
// MaxMind database. All methods are nil-receiver safe so callers can hold
// a nil Resolver when geo enrichment is disabled.
type Resolver struct {
	reader *geoip2.Reader
}

func Open(dbPath string) (*Resolver, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Resolver{reader: reader}, nil
}

func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// Available reports whether lookups can be served.
func (r *Resolver) Available() bool {
	return r != nil && r.reader != nil
}

// Lookup resolves an IP to location info. Enrichment is best-effort; the
// caller treats a nil result as "no geo data".
func (r *Resolver) Lookup(ipAddress string) (*model.GeoInfo, error) {
	if !r.Available() {
		return nil, nil
	}
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, errors.New("invalid ip address")
	}
	record, err := r.reader.City(ip)
	if err != nil {
		return nil, err
	}
	return &model.GeoInfo{
		Country:   record.Country.IsoCode,
		City:      record.City.Names["en"],
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}, nil
}
