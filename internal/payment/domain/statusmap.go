package domain

import (
	"fmt"
	"sort"
	"strings"
)

// StatusTable maps a processor's status vocabulary onto attempt statuses.
// It is built once per provider and rejects gaps at construction, so an
// unknown status is a startup failure instead of a silent default.
type StatusTable struct {
	provider string
	mapping  map[string]Status
}

// NewStatusTable checks that every status in vocabulary is mapped and that
// every mapping targets a known attempt status.
func NewStatusTable(provider string, vocabulary []string, mapping map[string]Status) (*StatusTable, error) {
	table := &StatusTable{provider: provider, mapping: make(map[string]Status, len(mapping))}

	var missing []string
	for _, status := range vocabulary {
		if _, ok := mapping[status]; !ok {
			missing = append(missing, status)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%s status table: unmapped processor statuses %s", provider, strings.Join(missing, ", "))
	}

	for processor, local := range mapping {
		if !ValidStatus(local) {
			return nil, fmt.Errorf("%s status table: %q maps to unknown status %q", provider, processor, local)
		}
		table.mapping[strings.ToLower(processor)] = local
	}
	return table, nil
}

func MustStatusTable(provider string, vocabulary []string, mapping map[string]Status) *StatusTable {
	table, err := NewStatusTable(provider, vocabulary, mapping)
	if err != nil {
		panic(err)
	}
	return table
}

func (t *StatusTable) Provider() string {
	return t.provider
}

// Lookup fails with ErrUnmappedStatus for a status outside the vocabulary.
func (t *StatusTable) Lookup(processorStatus string) (Status, error) {
	local, ok := t.mapping[strings.ToLower(strings.TrimSpace(processorStatus))]
	if !ok {
		return "", ErrUnmappedStatus.WithReason("%s reported unknown status %q", t.provider, processorStatus)
	}
	return local, nil
}
