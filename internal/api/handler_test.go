package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	mrand "math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kk-code-lab/sealstream/internal/clock"
	"github.com/kk-code-lab/sealstream/internal/keywrap"
	"github.com/kk-code-lab/sealstream/internal/meta"
	"github.com/kk-code-lab/sealstream/internal/storage/bundle"
	"github.com/kk-code-lab/sealstream/internal/storage/engine"
	storagefs "github.com/kk-code-lab/sealstream/internal/storage/fs"
)

type apiEnv struct {
	srv   *httptest.Server
	alice keywrap.Keypair
	bob   keywrap.Keypair
	carol keywrap.Keypair
}

func newAPIEnv(t *testing.T, opts engine.Options) *apiEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := bundle.New(storagefs.NewLayout(filepath.Join(dir, "data")), nil, opts.Clock)
	if err != nil {
		t.Fatal(err)
	}
	metaStore, err := meta.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = metaStore.Close() })

	env := &apiEnv{}
	for _, id := range []struct {
		name string
		kp   *keywrap.Keypair
	}{{"alice", &env.alice}, {"bob", &env.bob}, {"carol", &env.carol}} {
		kp, err := keywrap.Generate()
		if err != nil {
			t.Fatal(err)
		}
		*id.kp = kp
		if err := metaStore.PutIdentity(context.Background(), id.name, kp.PublicKey, ""); err != nil {
			t.Fatal(err)
		}
	}

	eng, err := engine.New(store, metaStore, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Close)

	env.srv = httptest.NewServer(LoggingMiddleware(&Handler{Engine: eng}))
	t.Cleanup(env.srv.Close)
	return env
}

func (env *apiEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (env *apiEnv) upload(t *testing.T, data []byte) assetJSON {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/v1/assets", data, map[string]string{
		headerIdentity:  "alice",
		headerRecipient: "bob",
		headerFilename:  "movie.mp4",
		"Content-Type":  "video/mp4",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var a assetJSON
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return a
}

func testBody(n int) []byte {
	b := make([]byte, n)
	mrand.New(mrand.NewSource(7)).Read(b)
	return b
}

func TestUploadListInfoStream(t *testing.T) {
	env := newAPIEnv(t, engine.Options{ChunkSize: 64 << 10})
	data := testBody(300_000)
	a := env.upload(t, data)

	if a.Sender != "alice" || a.Recipient != "bob" || a.TotalSize != int64(len(data)) {
		t.Fatalf("asset = %+v", a)
	}
	if a.MimeType != "video/mp4" || a.Filename != "movie.mp4" {
		t.Fatalf("asset = %+v", a)
	}

	// List as recipient.
	resp := env.do(t, http.MethodGet, "/v1/assets", nil, map[string]string{headerIdentity: "bob"})
	var list struct {
		Assets []assetJSON `json:"assets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(list.Assets) != 1 || list.Assets[0].ID != a.ID {
		t.Fatalf("list = %+v", list)
	}

	// Info as sender.
	resp = env.do(t, http.MethodGet, "/v1/assets/"+a.ID, nil, map[string]string{headerIdentity: "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Full stream as recipient.
	resp = env.do(t, http.MethodGet, "/v1/assets/"+a.ID+"/content", nil, map[string]string{
		headerIdentity:   "bob",
		headerPrivateKey: env.bob.PrivateKey,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("content type = %q", got)
	}
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("streamed %d bytes, mismatch", len(got))
	}
}

func TestStreamRange(t *testing.T) {
	env := newAPIEnv(t, engine.Options{ChunkSize: 64 << 10})
	data := testBody(300_000)
	a := env.upload(t, data)

	resp := env.do(t, http.MethodGet, "/v1/assets/"+a.ID+"/content", nil, map[string]string{
		headerIdentity:   "bob",
		headerPrivateKey: env.bob.PrivateKey,
		"Range":          "bytes=100000-199999",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 100000-199999/300000" {
		t.Fatalf("content range = %q", got)
	}
	if got := resp.Header.Get("Content-Length"); got != "100000" {
		t.Fatalf("content length = %q", got)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[100000:200000]) {
		t.Fatal("range bytes mismatch")
	}
}

func TestStreamRangeNotSatisfiable(t *testing.T) {
	env := newAPIEnv(t, engine.Options{})
	a := env.upload(t, testBody(1000))

	resp := env.do(t, http.MethodGet, "/v1/assets/"+a.ID+"/content", nil, map[string]string{
		headerIdentity:   "bob",
		headerPrivateKey: env.bob.PrivateKey,
		"Range":          "bytes=5000-6000",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes */1000" {
		t.Fatalf("content range = %q", got)
	}
}

func TestErrorStatuses(t *testing.T) {
	env := newAPIEnv(t, engine.Options{})
	a := env.upload(t, testBody(1000))

	cases := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"outsider info", http.MethodGet, "/v1/assets/" + a.ID, map[string]string{headerIdentity: "carol"}, http.StatusForbidden},
		{"outsider stream", http.MethodGet, "/v1/assets/" + a.ID + "/content", map[string]string{headerIdentity: "carol", headerPrivateKey: env.carol.PrivateKey}, http.StatusForbidden},
		{"wrong key stream", http.MethodGet, "/v1/assets/" + a.ID + "/content", map[string]string{headerIdentity: "bob", headerPrivateKey: env.carol.PrivateKey}, http.StatusForbidden},
		{"unknown asset", http.MethodGet, "/v1/assets/ffffffffffffffffffffffffffffffff", map[string]string{headerIdentity: "bob"}, http.StatusNotFound},
		{"recipient revoke", http.MethodDelete, "/v1/assets/" + a.ID, map[string]string{headerIdentity: "bob"}, http.StatusForbidden},
		{"unknown route", http.MethodGet, "/v1/nope", map[string]string{headerIdentity: "bob"}, http.StatusNotFound},
		{"missing identity list", http.MethodGet, "/v1/assets", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, tc.method, tc.path, nil, tc.headers)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("error body not json: %v", err)
			}
			if body.RequestID == "" {
				t.Fatal("error body missing request id")
			}
		})
	}
}

func TestUploadValidation(t *testing.T) {
	env := newAPIEnv(t, engine.Options{})

	resp := env.do(t, http.MethodPost, "/v1/assets", []byte("x"), map[string]string{
		headerIdentity: "alice",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing recipient status = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/v1/assets", []byte("x"), map[string]string{
		headerIdentity:    "alice",
		headerRecipient:   "bob",
		headerExpiryHours: "nope",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad expiry status = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/v1/assets", []byte("x"), map[string]string{
		headerIdentity:  "alice",
		headerRecipient: "mallory",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown recipient status = %d", resp.StatusCode)
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newAPIEnv(t, engine.Options{ChunkSize: 4 << 10, MaxAssetSize: 8 << 10})

	resp := env.do(t, http.MethodPost, "/v1/assets", testBody(32<<10), map[string]string{
		headerIdentity:  "alice",
		headerRecipient: "bob",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestExpiredAssetIsGone(t *testing.T) {
	clk := &clock.Fixed{T: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	env := newAPIEnv(t, engine.Options{Clock: clk})
	a := env.upload(t, testBody(100))

	clk.Advance(engine.DefaultExpiry + time.Minute)
	resp := env.do(t, http.MethodGet, "/v1/assets/"+a.ID+"/content", nil, map[string]string{
		headerIdentity:   "bob",
		headerPrivateKey: env.bob.PrivateKey,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want 410", resp.StatusCode)
	}
}

func TestRevokeLifecycle(t *testing.T) {
	env := newAPIEnv(t, engine.Options{})
	a := env.upload(t, testBody(100))

	resp := env.do(t, http.MethodDelete, "/v1/assets/"+a.ID, nil, map[string]string{headerIdentity: "alice"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/v1/assets/"+a.ID, nil, map[string]string{headerIdentity: "alice"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post-revoke info status = %d", resp.StatusCode)
	}
}
