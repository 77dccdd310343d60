package bandwidth

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FUP throttle scales the currently-provisioned value to this fraction,
// whatever that value is. Minimum guaranteed rates are not special-cased.
const throttleFactor = 0.2

// Errors returned while deriving a throttle plan from persisted rows.
var (
	// ErrVendorIndeterminate means no managed attribute identifies the
	// subscriber's vendor.
	ErrVendorIndeterminate = errors.New("vendor indeterminate")

	// ErrPolicyIndeterminate means the managed rows exist but their
	// values cannot be parsed into a throttled policy.
	ErrPolicyIndeterminate = errors.New("policy indeterminate")
)

// AttributeValue is one persisted reply-attribute row.
type AttributeValue struct {
	Name  string
	Value string
}

var (
	rateRe    = regexp.MustCompile(`^(\d+(?:\.\d+)?)([KMG])$`)
	ciscoRe   = regexp.MustCompile(`ip:sub-qos-policy-(in|out)=(\w+)`)
	juniperRe = regexp.MustCompile(`logical-system-policer-template-(in|out)=(\w+)`)
)

// Throttle scales a single rate value by the throttle factor, keeping
// the unit suffix. Values that would drop below one unit are bumped to
// the next-smaller unit with a floor of 1; sub-1K results clamp to 1K.
// Unparseable values fall back to 1M.
func Throttle(value string) string {
	s := strings.ToUpper(strings.TrimSpace(value))

	m := rateRe.FindStringSubmatch(s)
	if m == nil {
		return "1M"
	}

	v, _ := strconv.ParseFloat(m[1], 64)
	unit := m[2]
	scaled := v * throttleFactor

	if scaled < 1 {
		switch unit {
		case "M":
			return fmt.Sprintf("%dK", maxInt(1, int(scaled*1000)))
		case "G":
			return fmt.Sprintf("%dM", maxInt(1, int(scaled*1000)))
		}
		return "1K"
	}

	return fmt.Sprintf("%d%s", int(scaled), unit)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// DetectPlanType classifies a subscriber from their persisted managed
// rows by the presence of a vendor-owned attribute.
func DetectPlanType(rows []AttributeValue) (PlanType, bool) {
	has := func(name string) bool {
		for _, r := range rows {
			if r.Name == name {
				return true
			}
		}
		return false
	}

	switch {
	case has(AttrMikrotikRateLimit):
		return PlanMikrotik, true
	case has(AttrCiscoAVPair):
		return PlanCisco, true
	case has(AttrJuniperAVPair):
		return PlanJuniper, true
	case has(AttrHuaweiInputPeakRate), has(AttrHuaweiOutputPeakRate):
		return PlanHuawei, true
	}
	return "", false
}

// ThrottlePlan derives the throttled desired-attribute map from the
// currently-persisted managed rows. The result replaces the managed set
// wholesale, so rows that must survive unchanged (Huawei-Volume-Limit)
// are carried forward.
func ThrottlePlan(pt PlanType, rows []AttributeValue) (map[string][]string, error) {
	values := func(name string) []string {
		var out []string
		for _, r := range rows {
			if r.Name == name {
				out = append(out, r.Value)
			}
		}
		return out
	}

	switch pt {
	case PlanMikrotik:
		current := values(AttrMikrotikRateLimit)
		if len(current) == 0 {
			return nil, ErrPolicyIndeterminate
		}
		down, up, ok := strings.Cut(current[0], "/")
		if !ok {
			return nil, fmt.Errorf("%w: rate limit %q has no direction separator", ErrPolicyIndeterminate, current[0])
		}
		return map[string][]string{
			AttrMikrotikRateLimit: {Throttle(down) + "/" + Throttle(up)},
		}, nil

	case PlanCisco:
		return throttleAVPairs(AttrCiscoAVPair, ciscoPolicyPrefix, ciscoRe, values(AttrCiscoAVPair))

	case PlanJuniper:
		return throttleAVPairs(AttrJuniperAVPair, juniperPolicyPrefix, juniperRe, values(AttrJuniperAVPair))

	case PlanHuawei:
		in := values(AttrHuaweiInputPeakRate)
		out := values(AttrHuaweiOutputPeakRate)
		if len(in) == 0 || len(out) == 0 {
			return nil, ErrPolicyIndeterminate
		}
		inRate, errIn := strconv.ParseInt(in[0], 10, 64)
		outRate, errOut := strconv.ParseInt(out[0], 10, 64)
		if errIn != nil || errOut != nil {
			return nil, fmt.Errorf("%w: non-integer peak rate", ErrPolicyIndeterminate)
		}
		throttled := map[string][]string{
			AttrHuaweiInputPeakRate:  {strconv.FormatInt(int64(float64(inRate)*throttleFactor), 10)},
			AttrHuaweiOutputPeakRate: {strconv.FormatInt(int64(float64(outRate)*throttleFactor), 10)},
		}
		if quota := values(AttrHuaweiVolumeLimit); len(quota) > 0 {
			throttled[AttrHuaweiVolumeLimit] = []string{quota[0]}
		}
		return throttled, nil
	}

	return nil, ErrVendorIndeterminate
}

// throttleAVPairs rewrites each in/out AVPair value with its throttled
// bandwidth, preserving the direction key.
func throttleAVPairs(attr, prefix string, re *regexp.Regexp, current []string) (map[string][]string, error) {
	var throttled []string
	for _, v := range current {
		m := re.FindStringSubmatch(v)
		if m == nil {
			continue
		}
		throttled = append(throttled, prefix+m[1]+"="+Throttle(m[2]))
	}
	if len(throttled) == 0 {
		return nil, ErrPolicyIndeterminate
	}
	return map[string][]string{attr: throttled}, nil
}
