package config

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/ini.v1"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonDoc mirrors Config's shape for JSON loading; durations are
// expressed in milliseconds on the wire, matching the _ms suffix on
// the corresponding keys.
type jsonDoc struct {
	MaxConn                          int     `json:"max_conn"`
	MaxOptionCount                   int     `json:"max_option_count"`
	OSCOREExchangeCacheSize          int     `json:"oscore_exchange_cache_size"`
	OSCOREExchangeLifetimeMS         int64   `json:"oscore_exchange_lifetime_ms"`
	OSCOREMaxUnfragmentedSize        int     `json:"oscore_max_unfragmented_size"`
	EDHOCSessionCacheSize            int     `json:"edhoc_session_cache_size"`
	EDHOCSessionLifetimeMS           int64   `json:"edhoc_session_lifetime_ms"`
	EDHOCCombinedOuterBlockCacheSize int     `json:"edhoc_combined_outer_block_cache_size"`
	EDHOCCombinedOuterBlockLifeMS    int64   `json:"edhoc_combined_outer_block_lifetime_ms"`
	EDHOCCombinedOuterBlockMaxLen    int     `json:"edhoc_combined_outer_block_max_len"`
	ServerEchoMaxLen                 int     `json:"server_echo_max_len"`
	ServerEchoCacheSize              int     `json:"server_echo_cache_size"`
	ServerEchoVerifyWindowMS         int64   `json:"server_echo_verify_window_ms"`
	ServerMessageSize                int     `json:"server_message_size"`
	// ACKTimeoutMS etc. below configure the RFC 7252 retransmission
	// parameters; a 0 value in the document means "use the default".
	ACKTimeoutMS                     int64   `json:"ack_timeout_ms"`
	ACKRandomPercent                 float64 `json:"ack_random_percent"`
	BackoffPercent                   float64 `json:"backoff_percent"`
	MaxRetransmit                    int     `json:"max_retransmit"`
	HopLimitDefault                  int     `json:"hop_limit_default"`
}

// LoadJSON decodes a JSON configuration document over top of Default(),
// so a document only needs to mention the fields it overrides.
func LoadJSON(data []byte) (*Config, error) {
	var doc jsonDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: load json: %w", err)
	}
	c := Default()
	applyJSONDoc(c, &doc)
	return c, nil
}

func applyJSONDoc(c *Config, doc *jsonDoc) {
	if doc.MaxConn != 0 {
		c.MaxConn = doc.MaxConn
	}
	if doc.MaxOptionCount != 0 {
		c.MaxOptionCount = doc.MaxOptionCount
	}
	if doc.OSCOREExchangeCacheSize != 0 {
		c.OSCOREExchangeCacheSize = doc.OSCOREExchangeCacheSize
	}
	if doc.OSCOREExchangeLifetimeMS != 0 {
		c.OSCOREExchangeLifetime = time.Duration(doc.OSCOREExchangeLifetimeMS) * time.Millisecond
	}
	if doc.OSCOREMaxUnfragmentedSize != 0 {
		c.OSCOREMaxUnfragmentedSize = doc.OSCOREMaxUnfragmentedSize
	}
	if doc.EDHOCSessionCacheSize != 0 {
		c.EDHOCSessionCacheSize = doc.EDHOCSessionCacheSize
	}
	if doc.EDHOCSessionLifetimeMS != 0 {
		c.EDHOCSessionLifetime = time.Duration(doc.EDHOCSessionLifetimeMS) * time.Millisecond
	}
	if doc.EDHOCCombinedOuterBlockCacheSize != 0 {
		c.EDHOCCombinedOuterBlockCacheSize = doc.EDHOCCombinedOuterBlockCacheSize
	}
	if doc.EDHOCCombinedOuterBlockLifeMS != 0 {
		c.EDHOCCombinedOuterBlockLifetime = time.Duration(doc.EDHOCCombinedOuterBlockLifeMS) * time.Millisecond
	}
	if doc.EDHOCCombinedOuterBlockMaxLen != 0 {
		c.EDHOCCombinedOuterBlockMaxLen = doc.EDHOCCombinedOuterBlockMaxLen
	}
	if doc.ServerEchoMaxLen != 0 {
		c.ServerEchoMaxLen = doc.ServerEchoMaxLen
	}
	if doc.ServerEchoCacheSize != 0 {
		c.ServerEchoCacheSize = doc.ServerEchoCacheSize
	}
	if doc.ServerEchoVerifyWindowMS != 0 {
		c.ServerEchoVerifyWindow = time.Duration(doc.ServerEchoVerifyWindowMS) * time.Millisecond
	}
	if doc.ServerMessageSize != 0 {
		c.ServerMessageSize = doc.ServerMessageSize
	}
	if doc.ACKTimeoutMS != 0 {
		c.Transmission.ACKTimeout = time.Duration(doc.ACKTimeoutMS) * time.Millisecond
	}
	if doc.ACKRandomPercent != 0 {
		c.Transmission.ACKRandomPct = doc.ACKRandomPercent
	}
	if doc.BackoffPercent != 0 {
		c.Transmission.BackoffPct = doc.BackoffPercent
	}
	if doc.MaxRetransmit != 0 {
		c.Transmission.MaxRetransmit = doc.MaxRetransmit
	}
	if doc.HopLimitDefault != 0 {
		c.HopLimitDefault = uint8(doc.HopLimitDefault)
	}
}

// LoadINI decodes a flat INI configuration document, for operators who
// prefer it to JSON, grounded on gopkg.in/ini.v1's use for CANopen node
// configuration in the example pack. Keys live in a single [engine]
// section and share the JSON document's snake_case naming.
func LoadINI(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("config: load ini: %w", err)
	}
	sec := f.Section("engine")
	c := Default()

	setIntIfPresent(sec, "max_conn", &c.MaxConn)
	setIntIfPresent(sec, "max_option_count", &c.MaxOptionCount)
	setIntIfPresent(sec, "oscore_exchange_cache_size", &c.OSCOREExchangeCacheSize)
	setDurationMSIfPresent(sec, "oscore_exchange_lifetime_ms", &c.OSCOREExchangeLifetime)
	setIntIfPresent(sec, "oscore_max_unfragmented_size", &c.OSCOREMaxUnfragmentedSize)
	setIntIfPresent(sec, "edhoc_session_cache_size", &c.EDHOCSessionCacheSize)
	setDurationMSIfPresent(sec, "edhoc_session_lifetime_ms", &c.EDHOCSessionLifetime)
	setIntIfPresent(sec, "edhoc_combined_outer_block_cache_size", &c.EDHOCCombinedOuterBlockCacheSize)
	setDurationMSIfPresent(sec, "edhoc_combined_outer_block_lifetime_ms", &c.EDHOCCombinedOuterBlockLifetime)
	setIntIfPresent(sec, "edhoc_combined_outer_block_max_len", &c.EDHOCCombinedOuterBlockMaxLen)
	setIntIfPresent(sec, "server_echo_max_len", &c.ServerEchoMaxLen)
	setIntIfPresent(sec, "server_echo_cache_size", &c.ServerEchoCacheSize)
	setDurationMSIfPresent(sec, "server_echo_verify_window_ms", &c.ServerEchoVerifyWindow)
	setIntIfPresent(sec, "server_message_size", &c.ServerMessageSize)

	return c, nil
}

func setIntIfPresent(sec *ini.Section, key string, dst *int) {
	if k, err := sec.GetKey(key); err == nil {
		if v, err := k.Int(); err == nil {
			*dst = v
		}
	}
}

func setDurationMSIfPresent(sec *ini.Section, key string, dst *time.Duration) {
	if k, err := sec.GetKey(key); err == nil {
		if v, err := k.Int64(); err == nil {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
}
