package gateway

import (
	"strings"

	"github.com/smallbiznis/duesync/internal/payment/domain"
)

// Set holds the wired providers by name plus the one new attempts use.
type Set struct {
	byProvider map[string]domain.Provider
	def        string
}

func NewSet(def string, providers ...domain.Provider) *Set {
	set := &Set{byProvider: map[string]domain.Provider{}, def: strings.ToLower(strings.TrimSpace(def))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		set.byProvider[strings.ToLower(p.Provider())] = p
	}
	if set.def == "" && len(providers) == 1 && providers[0] != nil {
		set.def = strings.ToLower(providers[0].Provider())
	}
	return set
}

func (s *Set) Get(provider string) (domain.Provider, error) {
	if s == nil {
		return nil, domain.ErrProviderNotFound
	}
	p, ok := s.byProvider[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, domain.ErrProviderNotFound.WithReason("payment provider %q not registered", provider)
	}
	return p, nil
}

func (s *Set) Default() (domain.Provider, error) {
	if s == nil {
		return nil, domain.ErrProviderNotFound
	}
	return s.Get(s.def)
}
