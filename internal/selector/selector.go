// Package selector parses and expands target selectors. A selector is
// a textual pattern that, combined with a target type and a host's
// inventory, yields an ordered list of canonical target IDs.
package selector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rcourtman/surgeguard/internal/models"
)

// MaxExpansion bounds a single selector expansion. Anything larger is
// a spec mistake, not a fleet.
const MaxExpansion = 4096

// Expand parses the selector grammar and returns the ordered candidate
// ID list. The result still has to be resolved against inventory; IDs
// unknown to the host are dropped there, not here.
func Expand(sel models.Selector) ([]string, error) {
	value := strings.TrimSpace(sel.Value)

	switch sel.Mode {
	case models.SelectorModeList:
		if value == "" {
			return nil, nil
		}
		var out []string
		for _, raw := range strings.Split(value, ",") {
			item := strings.TrimSpace(raw)
			if item == "" {
				return nil, fmt.Errorf("empty item in list selector %q", sel.Value)
			}
			expanded, err := expandItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
			if len(out) > MaxExpansion {
				return nil, fmt.Errorf("selector expands to more than %d targets", MaxExpansion)
			}
		}
		return out, nil

	case models.SelectorModeRange:
		if value == "" {
			return nil, nil
		}
		out, err := expandRange(value)
		if err != nil {
			return nil, err
		}
		if len(out) > MaxExpansion {
			return nil, fmt.Errorf("selector expands to more than %d targets", MaxExpansion)
		}
		return out, nil

	case models.SelectorModeQuery:
		return nil, fmt.Errorf("selector mode %q is reserved and not supported", sel.Mode)

	default:
		return nil, fmt.Errorf("unknown selector mode %q", sel.Mode)
	}
}

// expandItem treats an item as a range when exactly one dash split
// yields a compatible endpoint pair, otherwise as a plain identifier.
// This keeps hyphenated canonical IDs like "vm-104" usable in lists.
func expandItem(item string) ([]string, error) {
	split, ok, err := findRangeSplit(item)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{item}, nil
	}
	return expandPair(split[0], split[1])
}

// expandRange expands a value in range mode, where a range is required.
func expandRange(value string) ([]string, error) {
	split, ok, err := findRangeSplit(value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("malformed range %q: no valid endpoint pair", value)
	}
	return expandPair(split[0], split[1])
}

func findRangeSplit(item string) ([2]string, bool, error) {
	var found [2]string
	matches := 0
	for i := 1; i < len(item)-1; i++ {
		if item[i] != '-' {
			continue
		}
		left, right := item[:i], item[i+1:]
		le, lok := parseEndpoint(left)
		re, rok := parseEndpoint(right)
		if !lok || !rok || !compatible(le, re) {
			continue
		}
		found = [2]string{left, right}
		matches++
	}
	if matches > 1 {
		return found, false, fmt.Errorf("ambiguous range %q: multiple valid splits", item)
	}
	return found, matches == 1, nil
}

type endpointKind int

const (
	kindNumeric endpointKind = iota
	kindCompound
	kindPrefixed
)

type endpoint struct {
	kind  endpointKind
	slot  string // compound: the part before the slash
	alpha string // compound: the letter axis
	num   int
	width int // digit count, preserved for zero-padded IDs
}

func parseEndpoint(s string) (endpoint, bool) {
	if s == "" {
		return endpoint{}, false
	}

	if isDigits(s) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return endpoint{}, false
		}
		return endpoint{kind: kindNumeric, num: n, width: len(s)}, true
	}

	// Compound form <slot>/<alpha><num>, e.g. "1/A1".
	if idx := strings.LastIndex(s, "/"); idx > 0 && idx < len(s)-1 {
		slot, rest := s[:idx], s[idx+1:]
		alpha, digits := splitAlphaNum(rest)
		if alpha != "" && digits != "" {
			n, err := strconv.Atoi(digits)
			if err != nil {
				return endpoint{}, false
			}
			return endpoint{kind: kindCompound, slot: slot, alpha: alpha, num: n, width: len(digits)}, true
		}
	}

	// Prefixed form <prefix><num>, e.g. "pbs01".
	if prefix, digits := splitTrailingDigits(s); prefix != "" && digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil {
			return endpoint{}, false
		}
		return endpoint{kind: kindPrefixed, slot: prefix, num: n, width: len(digits)}, true
	}

	return endpoint{}, false
}

func compatible(a, b endpoint) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case kindNumeric:
		return true
	case kindCompound:
		return a.slot == b.slot && len(a.alpha) == len(b.alpha)
	case kindPrefixed:
		return a.slot == b.slot
	}
	return false
}

func expandPair(left, right string) ([]string, error) {
	le, _ := parseEndpoint(left)
	re, _ := parseEndpoint(right)

	switch le.kind {
	case kindNumeric:
		return expandNumeric("", le, re)

	case kindPrefixed:
		return expandNumeric(le.slot, le, re)

	case kindCompound:
		if strings.Compare(le.alpha, re.alpha) > 0 {
			return nil, fmt.Errorf("descending alpha range %q-%q", left, right)
		}
		if le.num > re.num {
			return nil, fmt.Errorf("descending numeric range %q-%q", left, right)
		}
		// Alpha is the outer axis, numeric the inner.
		var out []string
		for a := le.alpha; ; a = incAlpha(a) {
			for n := le.num; n <= re.num; n++ {
				out = append(out, fmt.Sprintf("%s/%s%s", le.slot, a, padNum(n, le.width)))
				if len(out) > MaxExpansion {
					return nil, fmt.Errorf("range %s-%s expands to more than %d targets", left, right, MaxExpansion)
				}
			}
			if a == re.alpha {
				break
			}
		}
		return out, nil
	}

	return nil, fmt.Errorf("malformed range %q-%q", left, right)
}

func expandNumeric(prefix string, le, re endpoint) ([]string, error) {
	if le.num > re.num {
		return nil, fmt.Errorf("descending numeric range %d-%d", le.num, re.num)
	}
	if re.num-le.num >= MaxExpansion {
		return nil, fmt.Errorf("range %d-%d expands to more than %d targets", le.num, re.num, MaxExpansion)
	}
	width := 0
	if le.width == re.width {
		width = le.width
	}
	out := make([]string, 0, re.num-le.num+1)
	for n := le.num; n <= re.num; n++ {
		out = append(out, prefix+padNum(n, width))
	}
	return out, nil
}

// incAlpha increments a letter axis value with carry, spreadsheet
// style: A -> B, Z -> AA is not produced because lengths are fixed, so
// Z wraps within compatible() constraints and never occurs in a valid
// ascending range.
func incAlpha(s string) string {
	b := []byte(s)
	for i := len(b) - 1; i >= 0; i-- {
		switch {
		case b[i] >= 'a' && b[i] < 'z', b[i] >= 'A' && b[i] < 'Z':
			b[i]++
			return string(b)
		case b[i] == 'z':
			b[i] = 'a'
		case b[i] == 'Z':
			b[i] = 'A'
		}
	}
	return string(b)
}

func padNum(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func splitAlphaNum(s string) (alpha, digits string) {
	i := 0
	for i < len(s) && isLetter(s[i]) {
		i++
	}
	if i == 0 || i == len(s) || !isDigits(s[i:]) {
		return "", ""
	}
	return s[:i], s[i:]
}

func splitTrailingDigits(s string) (prefix, digits string) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == 0 || i == len(s) {
		return "", ""
	}
	return s[:i], s[i:]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// NonTrivial reports whether a selector should force dynamic
// resolution when the user left the mode unset: pattern characters or
// a range that expands past a single ID.
func NonTrivial(sel models.Selector) bool {
	if strings.ContainsAny(sel.Value, "*?") {
		return true
	}
	ids, err := Expand(sel)
	if err != nil {
		return false
	}
	return len(ids) > 1 && sel.Mode == models.SelectorModeRange
}
