// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"fmt"

	"github.com/woozymasta/pathrules"
)

// Canonical names of the system partition artifacts inside the payload.
// Firmware archives may nest them under a prefix directory, so lookup is
// rule-based rather than exact.
const (
	deltaEntryName        = "system.new.dat.br"
	transferListEntryName = "system.transfer.list"
)

// entryLocator matches payload entries against canonical artifact names at
// any directory depth.
type entryLocator struct {
	matcher *pathrules.Matcher
}

// newEntryLocator compiles match rules for one canonical artifact name.
func newEntryLocator(name string) (*entryLocator, error) {
	rules := []pathrules.Rule{
		{Action: pathrules.ActionInclude, Pattern: name},
		{Action: pathrules.ActionInclude, Pattern: "**/" + name},
	}

	matcher, err := pathrules.NewMatcher(rules, pathrules.MatcherOptions{
		CaseInsensitive: true,
		DefaultAction:   pathrules.ActionExclude,
	})
	if err != nil {
		return nil, fmt.Errorf("compile locator rules for %s: %w", name, err)
	}

	return &entryLocator{matcher: matcher}, nil
}

// find returns the first entry matching the locator rules.
func (l *entryLocator) find(entries []EntryInfo) (EntryInfo, bool) {
	for _, entry := range entries {
		candidate := NormalizeEntryName(entry.Name)
		if candidate == "" {
			continue
		}

		if l.matcher.Included(candidate, false) {
			return entry, true
		}
	}

	return EntryInfo{}, false
}

// locateSystemEntries resolves the sparse-delta entry and its transfer list
// inside the decrypted payload entry set.
func locateSystemEntries(entries []EntryInfo) (delta EntryInfo, transferList EntryInfo, err error) {
	deltaLocator, err := newEntryLocator(deltaEntryName)
	if err != nil {
		return EntryInfo{}, EntryInfo{}, err
	}

	listLocator, err := newEntryLocator(transferListEntryName)
	if err != nil {
		return EntryInfo{}, EntryInfo{}, err
	}

	delta, ok := deltaLocator.find(entries)
	if !ok {
		return EntryInfo{}, EntryInfo{}, fmt.Errorf("%w: %s", ErrDeltaEntryNotFound, deltaEntryName)
	}

	transferList, ok = listLocator.find(entries)
	if !ok {
		return EntryInfo{}, EntryInfo{}, fmt.Errorf("%w: %s", ErrTransferListEntryNotFound, transferListEntryName)
	}

	return delta, transferList, nil
}
