package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ResourceType is the value type of a declared resource.
type ResourceType string

const (
	ResourceLong    ResourceType = "long"
	ResourceFloat   ResourceType = "float"
	ResourceSize    ResourceType = "size"
	ResourceBoolean ResourceType = "boolean"
	ResourceString  ResourceType = "string"
)

// Numeric reports whether values of this type can be summed.
func (t ResourceType) Numeric() bool {
	return t == ResourceLong || t == ResourceFloat || t == ResourceSize
}

// ParseResourceType validates a resource type name.
func ParseResourceType(s string) (ResourceType, bool) {
	t := ResourceType(strings.ToLower(s))
	switch t {
	case ResourceLong, ResourceFloat, ResourceSize, ResourceBoolean, ResourceString:
		return t, true
	}
	return "", false
}

// resourceFlagSet lists the accepted flag letters.
const resourceFlagSet = "nfhqimr"

// ResourceDef declares a resource name, its type and its PBS-style flags.
type ResourceDef struct {
	Name  string       `json:"name"`
	Type  ResourceType `json:"type"`
	Flags string       `json:"flags,omitempty"`
}

// Consumable reports whether assignments of this resource are accounted
// against a vnode's available amount.
func (d ResourceDef) Consumable() bool {
	return d.Type.Numeric() && strings.ContainsAny(d.Flags, "nf")
}

// HostLevel reports whether the resource may appear inside select chunks.
func (d ResourceDef) HostLevel() bool {
	return strings.Contains(d.Flags, "h")
}

// ValidateFlags checks every flag letter against the accepted set.
func ValidateFlags(flags string) error {
	for _, r := range flags {
		if !strings.ContainsRune(resourceFlagSet, r) {
			return fmt.Errorf("invalid resource flag %q", r)
		}
	}
	return nil
}

// IndirectPrefix marks a resources_available value that points at another vnode.
const IndirectPrefix = "@"

// ResourceValue is a parsed resource value. Numeric amounts are kept as
// integers: size in kilobytes, float in thousandths.
type ResourceValue struct {
	Type     ResourceType `json:"type"`
	Amount   int64        `json:"amount,omitempty"`
	Bool     bool         `json:"bool,omitempty"`
	Str      string       `json:"str,omitempty"`
	Indirect string       `json:"indirect,omitempty"`
}

// IsIndirect reports whether the value refers to another vnode.
func (v ResourceValue) IsIndirect() bool {
	return v.Indirect != ""
}

// String renders the value the way it is accepted on input.
func (v ResourceValue) String() string {
	if v.Indirect != "" {
		return IndirectPrefix + v.Indirect
	}
	switch v.Type {
	case ResourceLong:
		return strconv.FormatInt(v.Amount, 10)
	case ResourceFloat:
		return strconv.FormatFloat(float64(v.Amount)/1000, 'f', -1, 64)
	case ResourceSize:
		return FormatSize(v.Amount)
	case ResourceBoolean:
		if v.Bool {
			return "True"
		}
		return "False"
	}
	return v.Str
}

// FormatAmount renders a numeric amount of the given type.
func FormatAmount(t ResourceType, amount int64) string {
	return ResourceValue{Type: t, Amount: amount}.String()
}

// ParseResourceValue parses raw according to def. A leading "@" yields an
// indirect value; whether indirection is allowed is decided by the caller.
func ParseResourceValue(def ResourceDef, raw string) (ResourceValue, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, IndirectPrefix) {
		target := strings.TrimPrefix(raw, IndirectPrefix)
		if target == "" {
			return ResourceValue{}, fmt.Errorf("empty indirect target for %s", def.Name)
		}
		return ResourceValue{Type: def.Type, Indirect: target}, nil
	}
	v := ResourceValue{Type: def.Type}
	switch def.Type {
	case ResourceLong:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return v, fmt.Errorf("illegal value for %s: %q", def.Name, raw)
		}
		v.Amount = n
	case ResourceFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return v, fmt.Errorf("illegal value for %s: %q", def.Name, raw)
		}
		v.Amount = int64(math.Round(f * 1000))
	case ResourceSize:
		kb, err := ParseSize(raw)
		if err != nil {
			return v, fmt.Errorf("illegal value for %s: %w", def.Name, err)
		}
		v.Amount = kb
	case ResourceBoolean:
		b, err := ParseBool(raw)
		if err != nil {
			return v, fmt.Errorf("illegal value for %s: %w", def.Name, err)
		}
		v.Bool = b
	default:
		v.Str = raw
	}
	return v, nil
}

// ParseBool accepts the boolean spellings used in attribute maps.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "1", "yes", "y":
		return true, nil
	case "false", "f", "0", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

var sizeUnits = []struct {
	suffix string
	kb     int64
}{
	{"pb", 1 << 40},
	{"tb", 1 << 30},
	{"gb", 1 << 20},
	{"mb", 1 << 10},
	{"kb", 1},
}

// ParseSize parses "<n>[b|kb|mb|gb|tb|pb]" into kilobytes. A bare number is
// bytes; byte counts round up to the next kilobyte.
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, u.suffix), 10, 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("bad size %q", s)
			}
			return n * u.kb, nil
		}
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(s, "b"), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}
	return (n + 1023) / 1024, nil
}

// FormatSize renders kilobytes with the largest unit that divides exactly.
func FormatSize(kb int64) string {
	if kb == 0 {
		return "0kb"
	}
	for _, u := range sizeUnits {
		if kb%u.kb == 0 {
			return strconv.FormatInt(kb/u.kb, 10) + u.suffix
		}
	}
	return strconv.FormatInt(kb, 10) + "kb"
}

// BuiltinResources are declared by every server at startup.
func BuiltinResources() []ResourceDef {
	return []ResourceDef{
		{Name: "ncpus", Type: ResourceLong, Flags: "nh"},
		{Name: "mem", Type: ResourceSize, Flags: "nh"},
		{Name: "vmem", Type: ResourceSize, Flags: "nh"},
		{Name: "ngpus", Type: ResourceLong, Flags: "nh"},
		{Name: "arch", Type: ResourceString, Flags: "h"},
		{Name: "host", Type: ResourceString, Flags: "h"},
		{Name: "vnode", Type: ResourceString, Flags: "h"},
		{Name: "walltime", Type: ResourceLong, Flags: "q"},
		{Name: "file", Type: ResourceSize},
	}
}
