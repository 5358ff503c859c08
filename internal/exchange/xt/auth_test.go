package xt

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"xt-connector/internal/core"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testSigner() *Signer {
	return NewSigner(Credentials{APIKey: "key", SecretKey: "secret"}, "xt-validate-", fixedClock{t: time.UnixMilli(1700000000000)})
}

func TestSignIsDeterministic(t *testing.T) {
	s := testSigner()
	desc := RequestDescriptor{
		Method: http.MethodPost,
		Path:   "/v4/order",
		Params: []Param{{Key: "symbol", Value: "btc_usdt"}},
		Body:   []byte(`{"a":1}`),
		Auth:   true,
	}
	first := s.SignAt(desc, 1700000000000).Get("xt-validate-signature")
	second := s.SignAt(desc, 1700000000000).Get("xt-validate-signature")
	if first == "" {
		t.Fatalf("signature header missing")
	}
	if first != second {
		t.Fatalf("signature not deterministic: %s != %s", first, second)
	}
	if first != strings.ToUpper(first) {
		t.Fatalf("signature = %s, want upper-case hex", first)
	}
}

func TestSignChangesWithEachField(t *testing.T) {
	s := testSigner()
	base := RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/v4/order",
		Params: []Param{{Key: "orderId", Value: "1"}, {Key: "symbol", Value: "btc_usdt"}},
		Body:   []byte(`{"x":1}`),
		Auth:   true,
	}
	want := s.SignAt(base, 1).Get("xt-validate-signature")

	variants := map[string]RequestDescriptor{
		"method": {Method: http.MethodDelete, Path: base.Path, Params: base.Params, Body: base.Body, Auth: true},
		"path":   {Method: base.Method, Path: "/v4/orders", Params: base.Params, Body: base.Body, Auth: true},
		"param":  {Method: base.Method, Path: base.Path, Params: []Param{{Key: "orderId", Value: "2"}, {Key: "symbol", Value: "btc_usdt"}}, Body: base.Body, Auth: true},
		"body":   {Method: base.Method, Path: base.Path, Params: base.Params, Body: []byte(`{"x":2}`), Auth: true},
	}
	seen := map[string]string{want: "base"}
	for name, desc := range variants {
		got := s.SignAt(desc, 1).Get("xt-validate-signature")
		if prev, ok := seen[got]; ok {
			t.Fatalf("%s variant collides with %s: %s", name, prev, got)
		}
		seen[got] = name
	}
	if got := s.SignAt(base, 2).Get("xt-validate-signature"); got == want {
		t.Fatalf("timestamp change did not change signature")
	}
}

func TestMessageOmitsAbsentSegments(t *testing.T) {
	s := NewSigner(Credentials{APIKey: "k", SecretKey: "s"}, "", nil)
	desc := RequestDescriptor{Method: "get", Path: "/v1/x", Params: []Param{{Key: "a", Value: "1"}}, Auth: true}
	msg := s.Message(desc, "100")
	if !strings.HasSuffix(msg, "#GET#/v1/x#a=1") {
		t.Fatalf("Message() = %q, want suffix #GET#/v1/x#a=1", msg)
	}
	wantHead := "algorithms=HmacSHA256&appkey=k&recvwindow=5000&timestamp=100"
	if !strings.HasPrefix(msg, wantHead) {
		t.Fatalf("Message() = %q, want prefix %q", msg, wantHead)
	}

	bare := s.Message(RequestDescriptor{Method: http.MethodGet, Path: "/v1/x", Auth: true}, "100")
	if strings.HasSuffix(bare, "#") {
		t.Fatalf("Message() = %q, has trailing separator", bare)
	}
}

func TestMessageKeepsParamOrderAndRawValues(t *testing.T) {
	s := NewSigner(Credentials{APIKey: "k", SecretKey: "s"}, "xt-validate-", nil)
	desc := RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/v4/ticker/price",
		Params: []Param{{Key: "symbols", Value: "btc_usdt,eth_usdt"}, {Key: "a", Value: "x y"}},
	}
	msg := s.Message(desc, "1")
	if !strings.HasSuffix(msg, "#GET#/v4/ticker/price#symbols=btc_usdt,eth_usdt,a=x y") {
		t.Fatalf("Message() = %q", msg)
	}
	if got := EncodeQuery(desc.Params); got != "symbols=btc_usdt%2Ceth_usdt&a=x+y" {
		t.Fatalf("EncodeQuery() = %q", got)
	}
}

func TestSignHeaders(t *testing.T) {
	s := testSigner()
	h, err := s.Sign(RequestDescriptor{Method: http.MethodGet, Path: "/v4/public/time"})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if h.Get("xt-validate-signature") != "" {
		t.Fatalf("public request carries signature")
	}
	if h.Get("xt-validate-timestamp") != "1700000000000" {
		t.Fatalf("timestamp header = %q", h.Get("xt-validate-timestamp"))
	}
	if h.Get("xt-validate-recvwindow") != "5000" || h.Get("xt-validate-algorithms") != DefaultAlgorithm {
		t.Fatalf("headers = %v", h)
	}

	h, err = s.Sign(RequestDescriptor{Method: http.MethodGet, Path: "/v4/balances", Auth: true})
	if err != nil {
		t.Fatalf("Sign(auth) error = %v", err)
	}
	msg := s.Message(RequestDescriptor{Method: http.MethodGet, Path: "/v4/balances"}, "1700000000000")
	if got, want := h.Get("xt-validate-signature"), Digest("secret", msg); got != want {
		t.Fatalf("signature = %s, want %s", got, want)
	}
}

func TestSignRequiresCredentials(t *testing.T) {
	s := NewSigner(Credentials{APIKey: "key"}, "xt-validate-", nil)
	_, err := s.Sign(RequestDescriptor{Method: http.MethodGet, Path: "/v4/balances", Auth: true})
	if !errors.Is(err, core.ErrInvalidCredentials) {
		t.Fatalf("Sign() error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := s.Sign(RequestDescriptor{Method: http.MethodGet, Path: "/v4/public/time"}); err != nil {
		t.Fatalf("Sign(public) error = %v", err)
	}
}

func TestDigestKnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	got := Digest("Jefe", "what do ya want for nothing?")
	want := "5BDCC146BF60754E6A042426089575C75A003F089D2739839DEC58B964EC3843"
	if got != want {
		t.Fatalf("Digest() = %s, want %s", got, want)
	}
}
