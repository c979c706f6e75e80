package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/database"
	"loom/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-loom-server-tests"

type testApp struct {
	srv *Server
	app *fiber.App
}

// testConfig returns the development defaults with stream timings short
// enough for tests.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	var cfg config.Config
	require.NoError(t, v.Unmarshal(&cfg))
	cfg.JWTSecret = testSecret
	cfg.RedisURL = ""
	cfg.StreamHeartbeatInterval = time.Minute
	return &cfg
}

func setupApp(t *testing.T, tweak func(*config.Config)) *testApp {
	t.Helper()
	cfg := testConfig(t)
	if tweak != nil {
		tweak(cfg)
	}
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)

	srv, err := NewServerWithDeps(cfg, db, nil)
	require.NoError(t, err)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	srv.SetupMiddleware(app)
	srv.SetupRoutes(app)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testApp{srv: srv, app: app}
}

func tokenFor(t *testing.T, userID uint) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// do sends an authenticated request as userID; userID 0 sends none.
func (a *testApp) do(t *testing.T, userID uint, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	resp, err := a.app.Test(req, 5000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func requireStatus(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		require.Equalf(t, status, resp.StatusCode, "body: %s", body)
	}
}

// createGroup creates a group owned by owner with members joined as members.
func (a *testApp) createGroup(t *testing.T, owner uint, members ...uint) uint {
	t.Helper()
	resp := a.do(t, owner, http.MethodPost, "/api/conversations",
		CreateConversationRequest{Title: "Design review", IsGroup: true, MemberIDs: members})
	requireStatus(t, resp, fiber.StatusCreated)
	return decode[models.Conversation](t, resp).ID
}

func (a *testApp) createThread(t *testing.T, author, convID uint, content string) *models.Message {
	t.Helper()
	resp := a.do(t, author, http.MethodPost, "/api/conversations/"+itoa(convID)+"/threads",
		PostMessageRequest{Content: content})
	requireStatus(t, resp, fiber.StatusCreated)
	msg := decode[models.Message](t, resp)
	return &msg
}

func (a *testApp) reply(t *testing.T, author uint, parentID int64, content string) *models.Message {
	t.Helper()
	resp := a.do(t, author, http.MethodPost, "/api/messages/"+msgPath(parentID)+"/replies",
		PostMessageRequest{Content: content})
	requireStatus(t, resp, fiber.StatusCreated)
	msg := decode[models.Message](t, resp)
	return &msg
}

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }

func msgPath(id int64) string { return strconv.FormatInt(id, 10) }
