package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub008/internal/action"
	"github.com/cloudillo/cloudillo-sub008/internal/config"
	"github.com/cloudillo/cloudillo-sub008/internal/federation"
	"github.com/cloudillo/cloudillo-sub008/internal/identity"
	"github.com/cloudillo/cloudillo-sub008/internal/relay"
	"github.com/cloudillo/cloudillo-sub008/internal/store"
	"github.com/cloudillo/cloudillo-sub008/internal/store/authstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/backend"
	"github.com/cloudillo/cloudillo-sub008/internal/store/blobstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/busstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/crdtstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/dbstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/metastore"
)

// newTestGateway builds a Handler over in-memory stores, the same way
// cmd/cloudillod's run() wires the real process, so the route table is
// exercised against real components instead of mocks.
func newTestGateway(t *testing.T) (*Handler, store.AuthStore) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	// Pin jwt's validation clock to the same fake clock that stamps iat/exp,
	// so fake-clock-issued tokens don't read as expired at real wall time.
	jwt.TimeFunc = clock.Now
	t.Cleanup(func() { jwt.TimeFunc = time.Now })
	b := backend.NewMemory()
	auth := authstore.New(b, []byte("test-secret")).WithClock(clock)
	meta := metastore.New(b)
	blob := blobstore.New(t.TempDir(), t.TempDir())
	bus := busstore.New()
	db := dbstore.New()
	crdt := crdtstore.New()

	ident := identity.New(config.ModeStandalone, auth, clock)
	fed, err := federation.New(ident, meta, time.Second, 1)
	require.NoError(t, err)
	eng := action.New(meta, auth, blob, bus, ident, fed, action.NewMemoryKeyStore(), clock, 0)

	msgBus := relay.NewMessageBus(bus)
	crdtRelay, err := relay.NewCRDTRelay(crdt, time.Minute)
	require.NoError(t, err)
	dispatcher := relay.NewDispatcher(ident, msgBus, crdtRelay)

	h := New(ident, eng, fed, dispatcher, auth, meta, blob, db)
	return h, auth
}

// doRequest issues req against h and decodes a JSON response body into out
// (if non-nil), returning the status code.
func doRequest(h *Handler, req *http.Request, out interface{}) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), out)
	}
	return rec.Code
}

func newJSONRequest(method, target string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Host = req.URL.Host
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestRegisterAndLogin(t *testing.T) {
	h, _ := newTestGateway(t)

	regReq := newJSONRequest(http.MethodPost, "https://alice.example.com/register", registerRequest{
		IdTag: "alice.example.com", Password: "hunter2",
	})
	require.Equal(t, http.StatusCreated, doRequest(h, regReq, nil))

	var tok tokenResponse
	loginReq := newJSONRequest(http.MethodPost, "https://alice.example.com/auth/login", loginRequest{
		IdTag: "alice.example.com", Password: "hunter2",
	})
	require.Equal(t, http.StatusOK, doRequest(h, loginReq, &tok))
	require.NotEmpty(t, tok.Token)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	h, _ := newTestGateway(t)
	regReq := newJSONRequest(http.MethodPost, "https://alice.example.com/register", registerRequest{
		IdTag: "alice.example.com", Password: "hunter2",
	})
	require.Equal(t, http.StatusCreated, doRequest(h, regReq, nil))

	loginReq := newJSONRequest(http.MethodPost, "https://alice.example.com/auth/login", loginRequest{
		IdTag: "alice.example.com", Password: "wrong",
	})
	require.Equal(t, http.StatusForbidden, doRequest(h, loginReq, nil))
}

// registerAndLogin is the shared setup most authenticated-route tests need:
// a tenant plus a bearer token scoped as tenant admin.
func registerAndLogin(t *testing.T, h *Handler, idTag string) string {
	t.Helper()
	regReq := newJSONRequest(http.MethodPost, "https://"+idTag+"/register", registerRequest{IdTag: idTag, Password: "hunter2"})
	regReq.Host = idTag
	require.Equal(t, http.StatusCreated, doRequest(h, regReq, nil))

	var tok tokenResponse
	loginReq := newJSONRequest(http.MethodPost, "https://"+idTag+"/auth/login", loginRequest{IdTag: idTag, Password: "hunter2"})
	loginReq.Host = idTag
	require.Equal(t, http.StatusOK, doRequest(h, loginReq, &tok))
	return tok.Token
}

func TestCreateActionRequiresAuth(t *testing.T) {
	h, _ := newTestGateway(t)
	registerAndLogin(t, h, "alice.example.com")

	// No credential at all: authentication failed, 401.
	req := newJSONRequest(http.MethodPost, "https://alice.example.com/action", createActionRequest{Type: "POST", Content: []byte(`"hi"`)})
	require.Equal(t, http.StatusUnauthorized, doRequest(h, req, nil))

	// A malformed credential is likewise 401, not 403.
	req = newJSONRequest(http.MethodPost, "https://alice.example.com/action", createActionRequest{Type: "POST", Content: []byte(`"hi"`)})
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, doRequest(h, req, nil))
}

func TestInsufficientScopeIsForbidden(t *testing.T) {
	h, auth := newTestGateway(t)
	token := registerAndLogin(t, h, "alice.example.com")

	// Exchange the admin session for a token read-scoped to one resource:
	// it authenticates fine but fails the write permission check, 403.
	scopeReq := newJSONRequest(http.MethodPost, "https://alice.example.com/access-token", accessTokenRequest{
		ResourceId: "some-doc", AccessLvl: "R",
	})
	scopeReq.Header.Set("Authorization", "Bearer "+token)
	var scoped tokenResponse
	require.Equal(t, http.StatusOK, doRequest(h, scopeReq, &scoped))
	_ = auth

	req := newJSONRequest(http.MethodPost, "https://alice.example.com/action", createActionRequest{Type: "POST", Content: []byte(`"hi"`)})
	req.Header.Set("Authorization", "Bearer "+scoped.Token)
	require.Equal(t, http.StatusForbidden, doRequest(h, req, nil))
}

func TestCreateAndListActions(t *testing.T) {
	h, _ := newTestGateway(t)
	token := registerAndLogin(t, h, "alice.example.com")

	createReq := newJSONRequest(http.MethodPost, "https://alice.example.com/action", createActionRequest{Type: "POST", Content: []byte(`"hello"`)})
	createReq.Header.Set("Authorization", "Bearer "+token)
	var created store.Action
	require.Equal(t, http.StatusOK, doRequest(h, createReq, &created))
	require.NotEmpty(t, created.ActionId)

	listReq := newJSONRequest(http.MethodGet, "https://alice.example.com/action", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	var listed map[string][]store.Action
	require.Equal(t, http.StatusOK, doRequest(h, listReq, &listed))
	require.Len(t, listed["actions"], 1)
}

func TestActionTokensAndStatShareTheIdRoute(t *testing.T) {
	h, _ := newTestGateway(t)
	token := registerAndLogin(t, h, "alice.example.com")

	createReq := newJSONRequest(http.MethodPost, "https://alice.example.com/action", createActionRequest{Type: "POST", Content: []byte(`"hello"`)})
	createReq.Header.Set("Authorization", "Bearer "+token)
	var created store.Action
	require.Equal(t, http.StatusOK, doRequest(h, createReq, &created))

	statReq := newJSONRequest(http.MethodGet, "https://alice.example.com/action/"+created.ActionId, nil)
	statReq.Header.Set("Authorization", "Bearer "+token)
	var stat store.Action
	require.Equal(t, http.StatusOK, doRequest(h, statReq, &stat))
	require.Equal(t, created.ActionId, stat.ActionId)

	tokensReq := newJSONRequest(http.MethodGet, "https://alice.example.com/action/tokens?id="+created.ActionId, nil)
	tokensReq.Header.Set("Authorization", "Bearer "+token)
	var tokens map[string]string
	require.Equal(t, http.StatusOK, doRequest(h, tokensReq, &tokens))
	require.NotEmpty(t, tokens[created.ActionId])
}

func TestUploadAndReadFile(t *testing.T) {
	h, _ := newTestGateway(t)
	token := registerAndLogin(t, h, "alice.example.com")

	uploadReq := httptest.NewRequest(http.MethodPost, "https://alice.example.com/store/public/notes.txt", bytes.NewBufferString("hello world"))
	uploadReq.Host = "alice.example.com"
	uploadReq.Header.Set("Content-Type", "text/plain")
	uploadReq.Header.Set("Authorization", "Bearer "+token)
	var f store.File
	require.Equal(t, http.StatusOK, doRequest(h, uploadReq, &f))
	require.Equal(t, int64(len("hello world")), f.Size)

	readReq := httptest.NewRequest(http.MethodGet, "https://alice.example.com/store/"+f.FileId, nil)
	readReq.Host = "alice.example.com"
	readReq.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, readReq)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello world", rec.Body.String())

	metaReq := httptest.NewRequest(http.MethodGet, "https://alice.example.com/store/"+f.FileId+"/meta", nil)
	metaReq.Host = "alice.example.com"
	metaReq.Header.Set("Authorization", "Bearer "+token)
	var meta store.File
	require.Equal(t, http.StatusOK, doRequest(h, metaReq, &meta))
	require.Equal(t, f.FileId, meta.FileId)
}

func TestReadFileWithoutCredentialsIsDenied(t *testing.T) {
	h, _ := newTestGateway(t)
	token := registerAndLogin(t, h, "alice.example.com")

	uploadReq := httptest.NewRequest(http.MethodPost, "https://alice.example.com/store/public/notes.txt", bytes.NewBufferString("secret"))
	uploadReq.Host = "alice.example.com"
	uploadReq.Header.Set("Content-Type", "text/plain")
	uploadReq.Header.Set("Authorization", "Bearer "+token)
	var f store.File
	require.Equal(t, http.StatusOK, doRequest(h, uploadReq, &f))

	readReq := httptest.NewRequest(http.MethodGet, "https://alice.example.com/store/"+f.FileId, nil)
	readReq.Host = "alice.example.com"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, readReq)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefGrantsScopedReadAccess(t *testing.T) {
	h, auth := newTestGateway(t)
	token := registerAndLogin(t, h, "alice.example.com")
	_ = auth

	uploadReq := httptest.NewRequest(http.MethodPost, "https://alice.example.com/store/public/notes.txt", bytes.NewBufferString("shared"))
	uploadReq.Host = "alice.example.com"
	uploadReq.Header.Set("Content-Type", "text/plain")
	uploadReq.Header.Set("Authorization", "Bearer "+token)
	var f store.File
	require.Equal(t, http.StatusOK, doRequest(h, uploadReq, &f))

	refReq := newJSONRequest(http.MethodPost, "https://alice.example.com/ref", createRefRequest{ResourceId: f.FileId, AccessLvl: "R"})
	refReq.Header.Set("Authorization", "Bearer "+token)
	var ref store.Ref
	require.Equal(t, http.StatusOK, doRequest(h, refReq, &ref))
	require.NotEmpty(t, ref.RefId)

	readReq := httptest.NewRequest(http.MethodGet, "https://alice.example.com/store/"+f.FileId+"?ref="+ref.RefId, nil)
	readReq.Host = "alice.example.com"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, readReq)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "shared", rec.Body.String())
}

func TestInboxRequiresValidActionToken(t *testing.T) {
	h, _ := newTestGateway(t)
	registerAndLogin(t, h, "alice.example.com")

	req := newJSONRequest(http.MethodPost, "https://alice.example.com/inbox", map[string]string{"token": "garbage"})
	require.Equal(t, http.StatusUnauthorized, doRequest(h, req, nil))
}

func TestProfileRoundTrip(t *testing.T) {
	h, _ := newTestGateway(t)
	token := registerAndLogin(t, h, "alice.example.com")

	putReq := newJSONRequest(http.MethodPut, "https://alice.example.com/profile", upsertProfileRequest{Name: "Alice"})
	putReq.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusNoContent, doRequest(h, putReq, nil))

	getReq := newJSONRequest(http.MethodGet, "https://alice.example.com/profile", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	var prof store.Profile
	require.Equal(t, http.StatusOK, doRequest(h, getReq, &prof))
	require.Equal(t, "Alice", prof.Name)
}

func TestVapidIsPublic(t *testing.T) {
	h, _ := newTestGateway(t)
	h.VAPIDPublicKey = "test-key"
	req := httptest.NewRequest(http.MethodGet, "https://alice.example.com/vapid", nil)
	var out map[string]string
	require.Equal(t, http.StatusOK, doRequest(h, req, &out))
	require.Equal(t, "test-key", out["publicKey"])
}

func TestHealthzIsPublic(t *testing.T) {
	h, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "https://alice.example.com/healthz", nil)
	var out map[string]string
	require.Equal(t, http.StatusOK, doRequest(h, req, &out))
	require.Equal(t, "ok", out["status"])
}

func TestTOTPEnrollmentGatesLogin(t *testing.T) {
	h, _ := newTestGateway(t)
	token := registerAndLogin(t, h, "alice.example.com")

	reqReq := newJSONRequest(http.MethodPost, "https://alice.example.com/totp/register-req", nil)
	reqReq.Header.Set("Authorization", "Bearer "+token)
	var enroll totpEnrollResponse
	require.Equal(t, http.StatusOK, doRequest(h, reqReq, &enroll))
	require.NotEmpty(t, enroll.Secret)

	code, err := totp.GenerateCode(enroll.Secret, time.Now())
	require.NoError(t, err)

	finishReq := newJSONRequest(http.MethodPost, "https://alice.example.com/totp/register", totpRegisterRequest{
		Secret: enroll.Secret, Code: code,
	})
	finishReq.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusNoContent, doRequest(h, finishReq, nil))

	// Password alone is no longer enough once a secret is enrolled.
	loginNoCode := newJSONRequest(http.MethodPost, "https://alice.example.com/auth/login", loginRequest{
		IdTag: "alice.example.com", Password: "hunter2",
	})
	require.Equal(t, http.StatusForbidden, doRequest(h, loginNoCode, nil))

	loginCode, err := totp.GenerateCode(enroll.Secret, time.Now())
	require.NoError(t, err)
	var tok tokenResponse
	loginWithCode := newJSONRequest(http.MethodPost, "https://alice.example.com/auth/login", loginRequest{
		IdTag: "alice.example.com", Password: "hunter2", TOTPCode: loginCode,
	})
	require.Equal(t, http.StatusOK, doRequest(h, loginWithCode, &tok))
	require.NotEmpty(t, tok.Token)
}
