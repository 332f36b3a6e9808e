package main

// Based on https://github.com/mdouchement/geoblock/blob/main/evaluator.go

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
)

// A CountryLookup resolves the country of an address, like the ip2location lookups.
type CountryLookup interface {
	Country(ip net.IP) (string, error)
}

// An Evaluator tells which addresses are exempted from blocking and where they come from.
type Evaluator struct {
	name    string
	lookups []CountryLookup

	allowedCIDR    []netip.Prefix
	allowedCountry map[string]bool
}

// NewEvaluator returns a new Evaluator.
func NewEvaluator(name string, allowlist []Rule) (*Evaluator, error) {
	e := &Evaluator{
		name:           name,
		allowedCountry: make(map[string]bool),
	}

	for _, r := range allowlist {
		switch r.Type {
		case RuleTypeCountry:
			e.allowedCountry[strings.ToLower(r.Value)] = true
		case RuleTypeCIDR:
			prefix, err := parsePrefix(r.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid cidr %q: %w", e.name, r.Value, err)
			}

			e.allowedCIDR = append(e.allowedCIDR, prefix)
		default:
			return nil, fmt.Errorf("%s: invalid rule type: %s", e.name, r.Type)
		}
	}

	return e, nil
}

// AddLookup adds a lookup to the evaluator.
func (e *Evaluator) AddLookup(l CountryLookup) {
	e.lookups = append(e.lookups, l)
}

// Close releases the lookups holding resources.
func (e *Evaluator) Close() {
	for _, l := range e.lookups {
		if closer, ok := l.(io.Closer); ok {
			closer.Close()
		}
	}
}

// HasRules reports whether at least one allowlist rule is defined.
func (e *Evaluator) HasRules() bool {
	return len(e.allowedCIDR) > 0 || len(e.allowedCountry) > 0
}

// Classify reports whether ip is allowlisted and the country it belongs to.
// The country is empty when no lookup is configured.
func (e *Evaluator) Classify(ip netip.Addr) (exempt bool, country string, err error) {
	for _, block := range e.allowedCIDR {
		if block.Contains(ip) {
			return true, "", nil
		}
	}

	for _, l := range e.lookups {
		country, err = l.Country(net.IP(ip.AsSlice()))
		if err != nil {
			return false, "", fmt.Errorf("%s: country lookup: %w", e.name, err)
		}
	}
	country = strings.ToLower(country)

	return e.allowedCountry[country], country, nil
}

// parsePrefix accepts a CIDR or a single address.
func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(ip, ip.BitLen()), nil
	}

	prefix, err := netip.ParsePrefix(s)
	return prefix.Masked(), err
}
