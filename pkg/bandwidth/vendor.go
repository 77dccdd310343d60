// Package bandwidth translates abstract bandwidth intents into
// vendor-specific RADIUS attribute plans and implements the fair-usage
// throttle math applied to already-provisioned values.
package bandwidth

import (
	"fmt"
	"strconv"
)

// Vendor identifies the network-equipment vendor a subscriber is
// provisioned for. The three Mikrotik tags share one attribute plan.
type Vendor int

const (
	VendorMikrotik Vendor = iota
	VendorMikrotikPPPoE
	VendorMikrotikHotspot
	VendorCisco
	VendorJuniper
	VendorHuawei
)

// PlanType discriminates which attribute family owns a subscriber's
// reply rows. It is persisted implicitly through the attribute names.
type PlanType string

const (
	PlanMikrotik PlanType = "mikrotik"
	PlanCisco    PlanType = "cisco"
	PlanJuniper  PlanType = "juniper"
	PlanHuawei   PlanType = "huawei"
)

// Reply attribute names managed by the policy engine.
const (
	AttrMikrotikRateLimit    = "Mikrotik-Rate-Limit"
	AttrCiscoAVPair          = "Cisco-AVPair"
	AttrJuniperAVPair        = "Juniper-AVPair"
	AttrHuaweiInputPeakRate  = "Huawei-Input-Peak-Rate"
	AttrHuaweiOutputPeakRate = "Huawei-Output-Peak-Rate"
	AttrHuaweiVolumeLimit    = "Huawei-Volume-Limit"
)

// AVPair key prefixes for the in/out policer pair.
const (
	ciscoPolicyPrefix   = "ip:sub-qos-policy-"
	juniperPolicyPrefix = "logical-system-policer-template-"
)

// UnsupportedVendorError reports a vendor tag the resolver cannot map.
type UnsupportedVendorError struct {
	Tag string
}

func (e *UnsupportedVendorError) Error() string {
	return fmt.Sprintf("unsupported vendor %q", e.Tag)
}

var vendorTags = map[string]Vendor{
	"mikrotik":         VendorMikrotik,
	"mikrotik_pppoe":   VendorMikrotikPPPoE,
	"mikrotik_hotspot": VendorMikrotikHotspot,
	"cisco":            VendorCisco,
	"juniper":          VendorJuniper,
	"huawei":           VendorHuawei,
}

// ParseVendor maps a vendor tag to its Vendor value.
func ParseVendor(tag string) (Vendor, error) {
	v, ok := vendorTags[tag]
	if !ok {
		return 0, &UnsupportedVendorError{Tag: tag}
	}
	return v, nil
}

// String returns the canonical tag for the vendor.
func (v Vendor) String() string {
	switch v {
	case VendorMikrotik:
		return "mikrotik"
	case VendorMikrotikPPPoE:
		return "mikrotik_pppoe"
	case VendorMikrotikHotspot:
		return "mikrotik_hotspot"
	case VendorCisco:
		return "cisco"
	case VendorJuniper:
		return "juniper"
	case VendorHuawei:
		return "huawei"
	}
	return "unknown"
}

// PlanType returns the attribute family for the vendor.
func (v Vendor) PlanType() PlanType {
	switch v {
	case VendorCisco:
		return PlanCisco
	case VendorJuniper:
		return PlanJuniper
	case VendorHuawei:
		return PlanHuawei
	}
	return PlanMikrotik
}

// Intent is the abstract bandwidth request. Values are human-readable
// rates ("10M", "512K"). Empty fields take the product defaults.
type Intent struct {
	MaxDownload string
	MaxUpload   string
	MinDownload string
	MinUpload   string
}

// Product-level defaults applied to unset intent fields.
const (
	DefaultMaxDownload = "10M"
	DefaultMaxUpload   = "10M"
	DefaultMinDownload = "2M"
	DefaultMinUpload   = "2M"
)

func (i Intent) withDefaults() Intent {
	if i.MaxDownload == "" {
		i.MaxDownload = DefaultMaxDownload
	}
	if i.MaxUpload == "" {
		i.MaxUpload = DefaultMaxUpload
	}
	if i.MinDownload == "" {
		i.MinDownload = DefaultMinDownload
	}
	if i.MinUpload == "" {
		i.MinUpload = DefaultMinUpload
	}
	return i
}

// Plan is a vendor-specific attribute plan. Attributes holds the
// full-speed policy rows, Throttled the reduced policy used once the
// usage quota is exceeded. Map values are ordered attribute values;
// multi-valued attributes (Cisco/Juniper AVPair) carry the in/out pair.
type Plan struct {
	Type       PlanType
	Attributes map[string][]string
	Throttled  map[string][]string
}

// Resolve builds the attribute plan for a vendor and intent. quotaBytes
// is the usage quota persisted for vendors that enforce it on the NAS
// (Huawei-Volume-Limit); zero omits the row.
func Resolve(vendor Vendor, intent Intent, quotaBytes int64) (*Plan, error) {
	intent = intent.withDefaults()

	switch vendor.PlanType() {
	case PlanMikrotik:
		return &Plan{
			Type: PlanMikrotik,
			Attributes: map[string][]string{
				AttrMikrotikRateLimit: {intent.MaxDownload + "/" + intent.MaxUpload},
			},
			Throttled: map[string][]string{
				AttrMikrotikRateLimit: {intent.MinDownload + "/" + intent.MinUpload},
			},
		}, nil

	case PlanCisco:
		return &Plan{
			Type: PlanCisco,
			Attributes: map[string][]string{
				AttrCiscoAVPair: {
					ciscoPolicyPrefix + "in=" + intent.MaxDownload,
					ciscoPolicyPrefix + "out=" + intent.MaxUpload,
				},
			},
			Throttled: map[string][]string{
				AttrCiscoAVPair: {
					ciscoPolicyPrefix + "in=" + intent.MinDownload,
					ciscoPolicyPrefix + "out=" + intent.MinUpload,
				},
			},
		}, nil

	case PlanJuniper:
		return &Plan{
			Type: PlanJuniper,
			Attributes: map[string][]string{
				AttrJuniperAVPair: {
					juniperPolicyPrefix + "in=" + intent.MaxDownload,
					juniperPolicyPrefix + "out=" + intent.MaxUpload,
				},
			},
			Throttled: map[string][]string{
				AttrJuniperAVPair: {
					juniperPolicyPrefix + "in=" + intent.MinDownload,
					juniperPolicyPrefix + "out=" + intent.MinUpload,
				},
			},
		}, nil

	case PlanHuawei:
		// Huawei takes raw integer rates: input is the subscriber's
		// upload direction, output the download direction.
		in, err := ParseRate(intent.MaxUpload)
		if err != nil {
			return nil, fmt.Errorf("max upload: %w", err)
		}
		out, err := ParseRate(intent.MaxDownload)
		if err != nil {
			return nil, fmt.Errorf("max download: %w", err)
		}
		fupIn, err := ParseRate(intent.MinUpload)
		if err != nil {
			return nil, fmt.Errorf("min upload: %w", err)
		}
		fupOut, err := ParseRate(intent.MinDownload)
		if err != nil {
			return nil, fmt.Errorf("min download: %w", err)
		}

		attrs := map[string][]string{
			AttrHuaweiInputPeakRate:  {strconv.FormatInt(in, 10)},
			AttrHuaweiOutputPeakRate: {strconv.FormatInt(out, 10)},
		}
		throttled := map[string][]string{
			AttrHuaweiInputPeakRate:  {strconv.FormatInt(fupIn, 10)},
			AttrHuaweiOutputPeakRate: {strconv.FormatInt(fupOut, 10)},
		}
		if quotaBytes > 0 {
			quota := strconv.FormatInt(quotaBytes, 10)
			attrs[AttrHuaweiVolumeLimit] = []string{quota}
			throttled[AttrHuaweiVolumeLimit] = []string{quota}
		}

		return &Plan{Type: PlanHuawei, Attributes: attrs, Throttled: throttled}, nil
	}

	return nil, &UnsupportedVendorError{Tag: vendor.String()}
}
