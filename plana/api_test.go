package plana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, secret string) (*Plana, *API) {
	t.Helper()
	config := DefaultConfig()
	config.API.Secret = secret

	bot := &Plana{
		config:    config,
		logger:    quietLogger(),
		chatQueue: NewChatRequestQueue(config.Queue, quietLogger()),
		discord:   &Discord{},
		players: NewPlayerManager(
			config.Music,
			nil,
			func(string) AudioSender { return &fakeAudioSender{} },
			quietLogger(),
		),
	}
	api, err := newAPI(bot, config.API)
	require.NoError(t, err)
	return bot, api
}

func doRequest(
	api *API,
	method string,
	path string,
	bearer string,
) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set(authorizationHeader, bearerPrefix+bearer)
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func doJSONRequest(
	api *API,
	method string,
	path string,
	bearer string,
	body string,
) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set(authorizationHeader, bearerPrefix+bearer)
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthCheck(t *testing.T) {
	_, api := newTestAPI(t, "test-secret")

	w := doRequest(api, http.MethodGet, apiHealthCheck, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.DiscordConnected)
	assert.False(t, health.Paused)
	assert.Equal(t, 0, health.QueueSize)
}

func TestAPIAuth(t *testing.T) {
	bot, api := newTestAPI(t, "test-secret")

	t.Run(
		"missing token", func(t *testing.T) {
			w := doRequest(api, http.MethodGet, apiPrefix+apiPathConfig, "")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)

	t.Run(
		"wrong token", func(t *testing.T) {
			w := doRequest(api, http.MethodGet, apiPrefix+apiPathConfig, "nope")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)

	t.Run(
		"valid token", func(t *testing.T) {
			w := doRequest(
				api,
				http.MethodGet,
				apiPrefix+apiPathConfig,
				"test-secret",
			)
			require.Equal(t, http.StatusOK, w.Code)

			var rc RuntimeConfig
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rc))
			assert.Equal(
				t,
				bot.RuntimeConfig().ActiveModel,
				rc.ActiveModel,
			)
		},
	)
}

func TestAPIAuthWithoutSecret(t *testing.T) {
	_, api := newTestAPI(t, "")
	w := doRequest(api, http.MethodGet, apiPrefix+apiPathConfig, "anything")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIAuthRateLimited(t *testing.T) {
	_, api := newTestAPI(t, "test-secret")

	sawTooMany := false
	for i := 0; i < 10; i++ {
		w := doRequest(api, http.MethodGet, apiPrefix+apiPathConfig, "wrong")
		if w.Code == http.StatusTooManyRequests {
			sawTooMany = true
			break
		}
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.True(t, sawTooMany, "expected burst of bad auth to be rate limited")
}

func TestAPIGetQueue(t *testing.T) {
	_, api := newTestAPI(t, "test-secret")

	w := doRequest(api, http.MethodGet, apiPrefix+apiPathQueue, "test-secret")
	require.Equal(t, http.StatusOK, w.Code)

	var queue queueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	assert.Equal(t, 0, queue.Size)
}

func TestAPIUpdateUser(t *testing.T) {
	bot, api := newTestAPI(t, "test-secret")
	bot.db = newTestDB(t)

	user := &User{
		ModelStringID: ModelStringID{ID: "user1"},
		Username:      "someone",
	}
	_, err := bot.db.Create(context.Background(), user)
	require.NoError(t, err)

	w := doJSONRequest(
		api,
		http.MethodPatch,
		apiPrefix+"/user/user1",
		"test-secret",
		`{"ignored": true, "chat_limit_6h": 5}`,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var updated User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.True(t, updated.Ignored)
	assert.Equal(t, 5, updated.ChatLimit6h)

	stored := bot.db.ReloadUser("user1")
	require.NotNil(t, stored)
	assert.True(t, stored.Ignored)
	assert.Equal(t, 5, stored.ChatLimit6h)

	w = doJSONRequest(
		api,
		http.MethodPatch,
		apiPrefix+"/user/missing",
		"test-secret",
		`{"ignored": true}`,
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIGetPlayers(t *testing.T) {
	bot, api := newTestAPI(t, "test-secret")
	player := bot.players.Player("guild1")
	require.NoError(t, player.Queue().Push(Track{Title: "queued track"}))
	player.SetVolume(150)

	w := doRequest(api, http.MethodGet, apiPrefix+apiPathPlayers, "test-secret")
	require.Equal(t, http.StatusOK, w.Code)

	var statuses []playerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "guild1", statuses[0].GuildID)
	assert.Equal(t, 1, statuses[0].QueueLength)
	assert.Equal(t, 150, statuses[0].Volume)
	assert.False(t, statuses[0].Playing)
}
