package xt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xt-connector/internal/core"
)

const DefaultAlgorithm = "HmacSHA256"

// Credentials are fixed for the life of a Signer.
type Credentials struct {
	APIKey       string
	SecretKey    string
	Algorithm    string
	RecvWindowMs int64
}

func (c Credentials) algorithm() string {
	if c.Algorithm == "" {
		return DefaultAlgorithm
	}
	return c.Algorithm
}

func (c Credentials) recvWindow() string {
	window := c.RecvWindowMs
	if window <= 0 {
		window = 5000
	}
	return strconv.FormatInt(window, 10)
}

type Param struct {
	Key   string
	Value string
}

// RequestDescriptor is everything that enters the signature. Params keep the
// caller's order; a nil or empty Body is treated as absent.
type RequestDescriptor struct {
	Method string
	Path   string
	Params []Param
	Body   []byte
	Auth   bool
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Signer produces the validation headers for REST calls.
type Signer struct {
	creds  Credentials
	prefix string
	clock  Clock
}

func NewSigner(creds Credentials, headerPrefix string, clock Clock) *Signer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Signer{creds: creds, prefix: headerPrefix, clock: clock}
}

func (s *Signer) HasCredentials() bool {
	return s.creds.APIKey != "" && s.creds.SecretKey != ""
}

// Sign stamps the request with the synchronized clock. Authenticated requests
// without credentials fail here, before anything is sent.
func (s *Signer) Sign(desc RequestDescriptor) (http.Header, error) {
	if desc.Auth && !s.HasCredentials() {
		return nil, core.ErrInvalidCredentials
	}
	return s.SignAt(desc, s.clock.Now().UnixMilli()), nil
}

// SignAt is Sign with an explicit timestamp in epoch milliseconds.
func (s *Signer) SignAt(desc RequestDescriptor, timestampMs int64) http.Header {
	ts := strconv.FormatInt(timestampMs, 10)
	h := http.Header{}
	h.Set(s.prefix+"algorithms", s.creds.algorithm())
	if s.creds.APIKey != "" {
		h.Set(s.prefix+"appkey", s.creds.APIKey)
	}
	h.Set(s.prefix+"recvwindow", s.creds.recvWindow())
	h.Set(s.prefix+"timestamp", ts)
	if desc.Auth {
		h.Set(s.prefix+"signature", Digest(s.creds.SecretKey, s.Message(desc, ts)))
	}
	return h
}

// Message is the exact text fed to the HMAC.
func (s *Signer) Message(desc RequestDescriptor, timestamp string) string {
	return headerPart(s.prefix, s.creds, timestamp) + requestPart(desc)
}

func headerPart(prefix string, creds Credentials, timestamp string) string {
	var b strings.Builder
	b.WriteString(prefix + "algorithms=" + creds.algorithm())
	b.WriteString("&" + prefix + "appkey=" + creds.APIKey)
	b.WriteString("&" + prefix + "recvwindow=" + creds.recvWindow())
	b.WriteString("&" + prefix + "timestamp=" + timestamp)
	return b.String()
}

// requestPart renders #METHOD#PATH#k1=v1,k2=v2#BODY, skipping absent segments.
func requestPart(desc RequestDescriptor) string {
	var b strings.Builder
	if desc.Method != "" {
		b.WriteString("#" + strings.ToUpper(desc.Method))
	}
	if desc.Path != "" {
		b.WriteString("#" + desc.Path)
	}
	if len(desc.Params) > 0 {
		b.WriteString("#")
		for i, p := range desc.Params {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(p.Key + "=" + p.Value)
		}
	}
	if len(desc.Body) > 0 {
		b.WriteString("#")
		b.Write(desc.Body)
	}
	return b.String()
}

// Digest is the upper-case hex HMAC-SHA256 of msg.
func Digest(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// EncodeQuery renders params for the URL in the same order they were signed.
func EncodeQuery(params []Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p.Key)+"="+url.QueryEscape(p.Value))
	}
	return strings.Join(parts, "&")
}
