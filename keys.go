// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// catalogRow is one built-in key in hex source form.
type catalogRow struct {
	label string
	hex   string
}

// catalogRows lists known device keys in trial precedence order: common
// devices first, so trial decryption usually stops early. The format carries
// no key identifier, so order is the only cost model we control.
var catalogRows = []catalogRow{
	{"mnkey", "d6eecf0ae5acd4e0e9fe522de7ce381e"},
	{"mkey", "d6eccf0ae5acd4e0e92e522de7c1381e"},
	{"realkey", "d6dccf0ad5acd4e0292e522db7c1381e"}, // R9s, R11, Realme XT/Android 10 line
	{"testkey", "d7dcce1ad4afdce2393e5161cbdc4321"},
	{"utilkey", "d7dbce2ad4addce1393e5521cbdc4321"},
	{"R11s", "d7dbce1ad4afdce1393e5121cbdc4321"},
	{"Find X", "d4d2cd61d4afdce13b5e01221bd14d20"},
	{"Find X", "261cc7131d7c1481294e532db752381e"},
	{"Realme 2 Pro", "1ca21e12271335ae33ab81b2a7b14622"},
	{"K1", "d4d2ce11d4afdce13b3e0121cbdc4321"},
	{"Realme 3 Pro", "1c4c1ea3a12531ae491b21bb31613c11"}, // also X, 5 Pro, Q
	{"Realme U1 RMX1831", "acaa1e12a71431ce4a1b21bba1c1c6a2"},
	{"K1", "d4d2ce11d4afdce13b3e0121cbd14d20"},
	{"Reno 10x zoom", "1c4c1ea3a12531ae4a1b21bb31c13c21"}, // also Reno 5G
	{"Reno 2", "1c4a11a3a12513ae441b23bb31513121"},
	{"Realme X2", "1c4a11a3a12589ae441a23bb31517733"},
	{"Realme 5", "1c4a11a3a22513ae541b53bb31513121"},
	{"R17 Pro", "2442ce821a4f352e33ae81b22bc1462e"},
	{"A3s CPH1803", "14c2cd6214cfdc2733ae81b22bc1462c"},
	{"unknown", "1e38c1b72d522e29e0d4acd50acfdcd6"},
	{"unknown", "12341eaac4c123ce193556a1bbcc232d"},
	{"unknown", "2143dccb21513e39e1dcafd41acedbd7"},
	{"A77 CPH1715", "2d23ccbba1563519ce23c1c4aa1e3412"},
	{"Realme 1", "172b3e14e46f3ce13e2b5121cbdc4321"},
	{"Realme 3 RMX1825", "acac1e13a72531ae4a1b22bb31c1cc22"},
	{"A1k CPH1923", "1c4411a3a12533ae441b21bb31613c11"},
	{"Reno 3", "1c4416a8a42717ae441523b336513121"}, // also A92, A72
	{"Reno Ace", "55eeaa33112133ae441b23bb31513121"},
	{"Reno / K3", "acac1e13a12531ae4a1b21bb31c13c21"},
	{"A9", "acac1e13a72431ae4a1b22bba1c1c6a2"},
	{"A1 / A83t", "12cac11211aac3aea2658690122c1e81"},
	{"A5s CPH1909", "1ca21e12271435ae331b81bba7c14612"},
	{"Realme 1 reserved", "d1dacf24351ce428a9ce32ed87323216"},
	{"A73 reserved", "a1cc75115caecb890e4a563ca1ac67c8"},
	{"Realme 3 reserved", "2132321ea2ca86621a11241aba512722"},
	{"Realme U1", "22a21e821743e5ee33ae81b227b1462e"},
}

// keyCatalog is the parsed built-in catalog, fixed at init.
var keyCatalog = mustBuildCatalog(catalogRows)

// Candidates returns the built-in key catalog in trial precedence order.
// The returned slice is a copy; the catalog itself never mutates at runtime.
func Candidates() []KeyEntry {
	out := make([]KeyEntry, len(keyCatalog))
	copy(out, keyCatalog)
	return out
}

// KeyByLabel returns the first catalog entry with the given label.
func KeyByLabel(label string) (KeyEntry, bool) {
	for _, entry := range keyCatalog {
		if strings.EqualFold(entry.Label, label) {
			return entry, true
		}
	}

	return KeyEntry{}, false
}

// ParseKey builds a KeyEntry from a 32-character hex key string.
func ParseKey(label string, hexKey string) (KeyEntry, error) {
	raw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(hexKey)))
	if err != nil {
		return KeyEntry{}, fmt.Errorf("%w: %v", ErrKeySize, err)
	}
	if len(raw) != aesKeySize {
		return KeyEntry{}, fmt.Errorf("%w: got %d bytes", ErrKeySize, len(raw))
	}

	entry := KeyEntry{Label: label}
	copy(entry.Key[:], raw)
	return entry, nil
}

// mustBuildCatalog parses catalog rows and drops duplicate key values,
// keeping first occurrence to preserve trial precedence.
func mustBuildCatalog(rows []catalogRow) []KeyEntry {
	seen := make(map[[aesKeySize]byte]struct{}, len(rows))
	out := make([]KeyEntry, 0, len(rows))

	for _, row := range rows {
		entry, err := ParseKey(row.label, row.hex)
		if err != nil {
			panic(fmt.Sprintf("built-in key %q: %v", row.label, err))
		}

		if _, dup := seen[entry.Key]; dup {
			continue
		}

		seen[entry.Key] = struct{}{}
		out = append(out, entry)
	}

	return out
}
