package message

import "sort"

// OptionID is a CoAP option number. Odd numbers are critical per RFC 7252
// section 5.4.6 ("Option Numbers"); this is a derived property, not a
// stored flag, see Critical below.
type OptionID uint16

// Option numbers this engine has first-class knowledge of. Application
// resources may register further numbers via RegisterOption.
const (
	OptionIfMatch       OptionID = 1
	OptionURIHost       OptionID = 3
	OptionETag          OptionID = 4
	OptionIfNoneMatch   OptionID = 5
	OptionObserve       OptionID = 6
	OptionURIPort       OptionID = 7
	OptionLocationPath  OptionID = 8
	OptionOSCORE        OptionID = 9
	OptionURIPath       OptionID = 11
	OptionContentFormat OptionID = 12
	OptionMaxAge        OptionID = 14
	OptionURIQuery      OptionID = 15
	OptionHopLimit      OptionID = 16
	OptionAccept        OptionID = 17
	OptionQBlock1       OptionID = 19
	OptionLocationQuery OptionID = 20
	OptionEDHOC         OptionID = 21
	OptionBlock2        OptionID = 23
	OptionBlock1        OptionID = 27
	OptionSize2         OptionID = 28
	OptionQBlock2       OptionID = 31
	OptionProxyURI      OptionID = 35
	OptionProxyScheme   OptionID = 39
	OptionSize1         OptionID = 60
	OptionEcho          OptionID = 252
	OptionRequestTag    OptionID = 292
)

// OSCOREClass is the RFC 8613 section 4.1 classification of an option
// under OSCORE protection.
type OSCOREClass uint8

const (
	ClassE OSCOREClass = iota // encrypted and integrity protected, carried in the inner plaintext
	ClassI                    // integrity protected only, outer option duplicated into AAD
	ClassU                    // unprotected, outer option only
)

// OptionDef is the registry entry for one option number.
type OptionDef struct {
	Name        string
	Repeatable  bool
	MinLen      int
	MaxLen      int
	Class       OSCOREClass
	description string
}

// Critical reports whether this option number is critical (odd numbers,
// RFC 7252 section 5.4.1): an unrecognized critical option in a request
// MUST cause request rejection, in a response MUST cause the response to
// be rejected, and in a multicast request to be silently ignored.
func (id OptionID) Critical() bool {
	return id&1 == 1
}

// UnSafe reports whether this option number is "unsafe to forward" for
// a proxy, per bit 1 (value 2) of the number as defined by RFC 7252 5.4.2.
// Kept alongside Critical since the
// two bits live in the same number and a reviewer of the option table
// would expect to find both here.
func (id OptionID) UnSafe() bool {
	return id&2 == 2
}

var registry = map[OptionID]OptionDef{
	OptionIfMatch:       {Name: "If-Match", Repeatable: true, MinLen: 0, MaxLen: 8, Class: ClassE},
	OptionURIHost:       {Name: "Uri-Host", Repeatable: false, MinLen: 1, MaxLen: 255, Class: ClassU},
	OptionETag:          {Name: "ETag", Repeatable: true, MinLen: 1, MaxLen: 8, Class: ClassE},
	OptionIfNoneMatch:   {Name: "If-None-Match", Repeatable: false, MinLen: 0, MaxLen: 0, Class: ClassE},
	OptionObserve:       {Name: "Observe", Repeatable: false, MinLen: 0, MaxLen: 3, Class: ClassE},
	OptionURIPort:       {Name: "Uri-Port", Repeatable: false, MinLen: 0, MaxLen: 2, Class: ClassU},
	OptionLocationPath:  {Name: "Location-Path", Repeatable: true, MinLen: 0, MaxLen: 255, Class: ClassE},
	OptionOSCORE:        {Name: "OSCORE", Repeatable: false, MinLen: 0, MaxLen: 255, Class: ClassU},
	OptionURIPath:       {Name: "Uri-Path", Repeatable: true, MinLen: 0, MaxLen: 255, Class: ClassE},
	OptionContentFormat: {Name: "Content-Format", Repeatable: false, MinLen: 0, MaxLen: 2, Class: ClassE},
	OptionMaxAge:        {Name: "Max-Age", Repeatable: false, MinLen: 0, MaxLen: 4, Class: ClassU},
	OptionURIQuery:      {Name: "Uri-Query", Repeatable: true, MinLen: 0, MaxLen: 255, Class: ClassE},
	OptionHopLimit:      {Name: "Hop-Limit", Repeatable: false, MinLen: 1, MaxLen: 1, Class: ClassU},
	OptionAccept:        {Name: "Accept", Repeatable: false, MinLen: 0, MaxLen: 2, Class: ClassE},
	OptionQBlock1:       {Name: "Q-Block1", Repeatable: false, MinLen: 0, MaxLen: 4, Class: ClassE},
	OptionLocationQuery: {Name: "Location-Query", Repeatable: true, MinLen: 0, MaxLen: 255, Class: ClassE},
	// The EDHOC option is critical, Class U, empty-valued and at-most-once.
	// Its value MUST be ignored by receivers - RFC 9668 section 3.1 permits
	// a future non-empty value and mandates that current receivers skip it -
	// so MaxLen is the largest length the option encoding can carry and
	// Validate never rejects it on length.
	OptionEDHOC:       {Name: "EDHOC", Repeatable: false, MinLen: 0, MaxLen: 65535 + 269, Class: ClassU},
	OptionBlock2:      {Name: "Block2", Repeatable: false, MinLen: 0, MaxLen: 3, Class: ClassE},
	OptionBlock1:      {Name: "Block1", Repeatable: false, MinLen: 0, MaxLen: 3, Class: ClassE},
	OptionSize2:       {Name: "Size2", Repeatable: false, MinLen: 0, MaxLen: 4, Class: ClassE},
	OptionQBlock2:     {Name: "Q-Block2", Repeatable: false, MinLen: 0, MaxLen: 4, Class: ClassE},
	OptionProxyURI:    {Name: "Proxy-Uri", Repeatable: false, MinLen: 1, MaxLen: 1034, Class: ClassU},
	OptionProxyScheme: {Name: "Proxy-Scheme", Repeatable: false, MinLen: 1, MaxLen: 255, Class: ClassU},
	OptionSize1:       {Name: "Size1", Repeatable: false, MinLen: 0, MaxLen: 4, Class: ClassE},
	OptionEcho:        {Name: "Echo", Repeatable: false, MinLen: 1, MaxLen: 40, Class: ClassI},
	OptionRequestTag:  {Name: "Request-Tag", Repeatable: true, MinLen: 0, MaxLen: 8, Class: ClassI},
}

// Lookup returns the registry entry for id, or ok=false for an unknown
// option number (the caller falls back to critical-bit-only handling).
func Lookup(id OptionID) (OptionDef, bool) {
	def, ok := registry[id]
	return def, ok
}

// RegisterOption lets application code add resource-specific option
// numbers to the table (e.g. a bespoke Class E option) without forking
// this package. Not safe to call concurrently with option processing.
func RegisterOption(id OptionID, def OptionDef) {
	registry[id] = def
}

// Option is one decoded option: a number and its raw value bytes. A
// zero-length option has a zero-length Value (Parse yields an empty,
// non-nil slice); presence is told by the Option being in the list,
// which is how callers distinguish "absent" from "present but 0 bytes"
// (this matters for Request-Tag, RFC 9175 section 3.4).
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an ordered, non-decreasing-by-ID slice of Option.
type Options []Option

// Append inserts opt preserving the non-decreasing order invariant. The
// raw wire codec (Message.AppendOption in codec.go) enforces the strict
// "caller must append in order" contract for zero-copy serialization;
// this higher-level Append is the convenience path used by option
// construction above the wire layer and will reorder if necessary.
func (o Options) Append(opt Option) Options {
	o = append(o, opt)
	sort.SliceStable(o, func(i, j int) bool { return o[i].ID < o[j].ID })
	return o
}

// FindAll returns every option with the given id, in order.
func (o Options) FindAll(id OptionID) []Option {
	var out []Option
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, opt)
		}
	}
	return out
}

// Find returns the first option with the given id.
func (o Options) Find(id OptionID) (Option, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// Remove drops every occurrence of id, preserving relative order of the
// rest.
func (o Options) Remove(id OptionID) Options {
	out := o[:0:0]
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// CheckUnsupportedCritical returns the first option number in o that is
// both critical and absent from the registry, or ok=false if every
// critical option is recognized. Callers map a true result to 4.02 Bad
// Option for Confirmable messages, or a silent drop for Non-confirmable
// ones, per RFC 7252 section 5.4.1.
func (o Options) CheckUnsupportedCritical() (OptionID, bool) {
	for _, opt := range o {
		if !opt.ID.Critical() {
			continue
		}
		if _, ok := Lookup(opt.ID); !ok {
			return opt.ID, true
		}
	}
	return 0, false
}

// Validate checks every option in o against its registry length bounds
// and repeatability, for options this package knows about. Unknown
// options are only checked for criticality via CheckUnsupportedCritical.
func (o Options) Validate() error {
	seen := map[OptionID]int{}
	for _, opt := range o {
		seen[opt.ID]++
		def, ok := Lookup(opt.ID)
		if !ok {
			continue
		}
		if len(opt.Value) < def.MinLen || len(opt.Value) > def.MaxLen {
			return &OptionError{ID: opt.ID, Reason: "length out of bounds"}
		}
		if !def.Repeatable && seen[opt.ID] > 1 {
			return &OptionError{ID: opt.ID, Reason: "repeated singleton option"}
		}
	}
	return nil
}

// OptionError reports a per-option validation failure.
type OptionError struct {
	ID     OptionID
	Reason string
}

func (e *OptionError) Error() string {
	name := "option"
	if def, ok := Lookup(e.ID); ok {
		name = def.Name
	}
	return name + " (" + e.Reason + ")"
}
